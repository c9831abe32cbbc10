// Package relation proposes and scores relation candidates from event text.
package relation

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/agenthands/loom/internal/core/common"
	"github.com/agenthands/loom/internal/core/model"
	"github.com/agenthands/loom/internal/llm"
)

// ExtractionContext carries the text of one change event plus the entity the
// row resolved to, so strategies can anchor relations on it.
type ExtractionContext struct {
	Text       string
	Subject    model.ResolutionKey
	Position   model.Position
	Timestamp  time.Time
	SourceRef  string
	Confidence float64
}

type Strategy interface {
	Name() string
	Extract(ctx context.Context, ec *ExtractionContext) ([]model.RelationCandidate, error)
}

// Pattern binds a regular expression to a relation type. Group 1 is the
// source mention, group 2 the target mention; an empty SourceGroup anchors
// the relation on the extraction subject instead.
type Pattern struct {
	Expr       *regexp.Regexp
	Type       string
	SourceType string
	TargetType string
	// Anchored patterns have only a target group and use the subject as source.
	Anchored bool
}

type PatternStrategy struct {
	Patterns []Pattern
}

// DefaultPatterns covers the phrasings common in CRM and HR style feeds.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Expr:       regexp.MustCompile(`(?i)works (?:at|for) ([A-Z][\w&. ]+?)(?:[.,;]|$)`),
			Type:       "works_at",
			TargetType: "organization",
			Anchored:   true,
		},
		{
			Expr:       regexp.MustCompile(`(?i)joined ([A-Z][\w&. ]+?)(?:[.,;]|$)`),
			Type:       "works_at",
			TargetType: "organization",
			Anchored:   true,
		},
		{
			Expr:       regexp.MustCompile(`(?i)left ([A-Z][\w&. ]+?)(?:[.,;]|$)`),
			Type:       "formerly_at",
			TargetType: "organization",
			Anchored:   true,
		},
		{
			Expr:       regexp.MustCompile(`(?i)reports to ([A-Z][\w. ]+?)(?:[.,;]|$)`),
			Type:       "reports_to",
			TargetType: "person",
			Anchored:   true,
		},
		{
			Expr:       regexp.MustCompile(`(?i)(?:based|located) in ([A-Z][\w. ]+?)(?:[.,;]|$)`),
			Type:       "located_in",
			TargetType: "location",
			Anchored:   true,
		},
		{
			Expr:       regexp.MustCompile(`(?i)([A-Z][\w&. ]+?) acquired ([A-Z][\w&. ]+?)(?:[.,;]|$)`),
			Type:       "acquired",
			SourceType: "organization",
			TargetType: "organization",
		},
	}
}

func NewPatternStrategy() *PatternStrategy {
	return &PatternStrategy{Patterns: DefaultPatterns()}
}

func (s *PatternStrategy) Name() string { return "pattern" }

func (s *PatternStrategy) Extract(ctx context.Context, ec *ExtractionContext) ([]model.RelationCandidate, error) {
	if ec.Text == "" {
		return nil, nil
	}

	var out []model.RelationCandidate
	for _, p := range s.Patterns {
		for _, m := range p.Expr.FindAllStringSubmatch(ec.Text, -1) {
			var srcKey model.ResolutionKey
			var tgt string
			if p.Anchored {
				if ec.Subject.IsZero() {
					continue
				}
				srcKey = ec.Subject
				tgt = m[1]
			} else {
				if len(m) < 3 {
					continue
				}
				srcKey = model.NewResolutionKey(m[1], p.SourceType)
				tgt = m[2]
			}
			out = append(out, model.RelationCandidate{
				SourceKey: srcKey,
				TargetKey: model.NewResolutionKey(tgt, p.TargetType),
				Type:      p.Type,
				// A direct textual mention scores high; a pattern hit carries
				// little inferential signal beyond the match itself.
				Mention:  0.9,
				Inferred: 0.2,
				Origin:   s.Name(),
			})
		}
	}
	return out, nil
}

// ModelStrategy asks a language model for relation triples when patterns are
// not enough. Candidates come back with the model's own confidence as the
// inferred signal.
type ModelStrategy struct {
	Client llm.LLMClient
}

func NewModelStrategy(client llm.LLMClient) *ModelStrategy {
	return &ModelStrategy{Client: client}
}

func (s *ModelStrategy) Name() string { return "model" }

type modelTriples struct {
	Relations []struct {
		Source     string  `json:"source"`
		SourceType string  `json:"source_type"`
		Target     string  `json:"target"`
		TargetType string  `json:"target_type"`
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	} `json:"relations"`
}

const modelPrompt = `Extract relations between named entities from the text below.
Respond with JSON only: {"relations": [{"source": "", "source_type": "", "target": "", "target_type": "", "type": "", "confidence": 0.0}]}

Text:
%s`

func (s *ModelStrategy) Extract(ctx context.Context, ec *ExtractionContext) ([]model.RelationCandidate, error) {
	if ec.Text == "" || s.Client == nil {
		return nil, nil
	}

	response, err := s.Client.Generate(ctx, fmt.Sprintf(modelPrompt, ec.Text))
	if err != nil {
		return nil, fmt.Errorf("failed to generate relations: %w", err)
	}
	result, err := common.ParseJSON[modelTriples](response)
	if err != nil {
		return nil, fmt.Errorf("failed to parse relations: %w", err)
	}

	out := make([]model.RelationCandidate, 0, len(result.Relations))
	for _, t := range result.Relations {
		if t.Source == "" || t.Target == "" || t.Type == "" {
			continue
		}
		out = append(out, model.RelationCandidate{
			SourceKey: model.NewResolutionKey(t.Source, t.SourceType),
			TargetKey: model.NewResolutionKey(t.Target, t.TargetType),
			Type:      t.Type,
			Mention:   0.5,
			Inferred:  common.Clamp01(t.Confidence),
			Origin:    s.Name(),
		})
	}
	return out, nil
}
