package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

type StoreConfig struct {
	// Driver selects the knowledge store backend: "memory" or "sqlite".
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	GroupID string   `toml:"group_id"`
	// TopicPrefix + table name = topic carrying that table's change events.
	TopicPrefix string `toml:"topic_prefix"`
}

type ResolverConfig struct {
	// SimilarityThreshold is the minimum normalized edit-distance similarity
	// for a fuzzy match to be accepted. Deliberately configurable, not a
	// baked-in constant.
	SimilarityThreshold float64 `toml:"similarity_threshold"`
	// PromoteThreshold is the confidence at which a Candidate entity becomes
	// Active.
	PromoteThreshold float64 `toml:"promote_threshold"`
}

type RelationConfig struct {
	// Candidates scoring below EnhancementThreshold are flagged for context
	// enhancement instead of being accepted or rejected outright.
	EnhancementThreshold float64 `toml:"enhancement_threshold"`

	// Confidence weights. Must sum to 1.
	WeightMention    float64 `toml:"weight_mention"`
	WeightInferred   float64 `toml:"weight_inferred"`
	WeightContext    float64 `toml:"weight_context"`
	WeightValidation float64 `toml:"weight_validation"`
	// DefaultValidation is used when no external validation was performed.
	DefaultValidation float64 `toml:"default_validation"`

	// Exclusive lists groups of mutually exclusive relation types between the
	// same ordered entity pair.
	Exclusive [][]string `toml:"exclusive"`
	// Acyclic lists relation types that may never form a cycle.
	Acyclic []string `toml:"acyclic"`

	// Strategies selects extraction strategies: "pattern", "model".
	Strategies []string `toml:"strategies"`
}

type PipelineConfig struct {
	Workers    int `toml:"workers"`
	QueueDepth int `toml:"queue_depth"`
	BatchSize  int `toml:"batch_size"`
	// DanglingRetrySeconds bounds how long a relation with a not-yet-seen
	// endpoint is retried before rejection.
	DanglingRetrySeconds int `toml:"dangling_retry_seconds"`
}

type ClusteringConfig struct {
	IntervalSeconds int     `toml:"interval_seconds"`
	DeltaThreshold  float64 `toml:"delta_threshold"`
	// Algorithms to run; with more than one, the ensemble assignment wins.
	Algorithms []string `toml:"algorithms"`
}

type MirrorConfig struct {
	Enabled  bool   `toml:"enabled"`
	URI      string `toml:"uri"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type ServerConfig struct {
	Port int `toml:"port"`
}

// RelationMapping derives a relation candidate from two columns of a row.
type RelationMapping struct {
	Type         string `toml:"type"`
	SourceColumn string `toml:"source_column"`
	SourceType   string `toml:"source_type"`
	TargetColumn string `toml:"target_column"`
	TargetType   string `toml:"target_type"`
}

// TableMapping maps a source table's rows onto entity and relation updates.
type TableMapping struct {
	Table             string   `toml:"table"`
	EntityType        string   `toml:"entity_type"`
	IDColumn          string   `toml:"id_column"`
	NameColumn        string   `toml:"name_column"`
	ConfidenceColumn  string   `toml:"confidence_column"`
	DefaultConfidence float64  `toml:"default_confidence"`
	PropertyColumns   []string `toml:"property_columns"`
	// TextColumn, when set, feeds the row's free text to the relation
	// extraction strategies.
	TextColumn string            `toml:"text_column"`
	Relations  []RelationMapping `toml:"relations"`
}

type NormalizeConfig struct {
	Tables []TableMapping `toml:"tables"`
}

type Config struct {
	Store      StoreConfig      `toml:"store"`
	Kafka      KafkaConfig      `toml:"kafka"`
	Resolver   ResolverConfig   `toml:"resolver"`
	Relations  RelationConfig   `toml:"relations"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Clustering ClusteringConfig `toml:"clustering"`
	Mirror     MirrorConfig     `toml:"mirror"`
	LLM        LLMConfig        `toml:"llm"`
	Server     ServerConfig     `toml:"server"`
	Normalize  NormalizeConfig  `toml:"normalize"`
}

// Default returns a config with every tunable at its documented default.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Driver: "memory"},
		Kafka: KafkaConfig{GroupID: "loom", TopicPrefix: "cdc."},
		Resolver: ResolverConfig{
			SimilarityThreshold: 0.85,
			PromoteThreshold:    0.75,
		},
		Relations: RelationConfig{
			EnhancementThreshold: 0.7,
			WeightMention:        0.4,
			WeightInferred:       0.2,
			WeightContext:        0.2,
			WeightValidation:     0.2,
			DefaultValidation:    0.5,
			Strategies:           []string{"pattern"},
		},
		Pipeline: PipelineConfig{
			Workers:              4,
			QueueDepth:           256,
			BatchSize:            64,
			DanglingRetrySeconds: 30,
		},
		Clustering: ClusteringConfig{
			IntervalSeconds: 300,
			DeltaThreshold:  0.2,
			Algorithms:      []string{"label_propagation", "modularity"},
		},
		Server: ServerConfig{Port: 8080},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overlays environment variables onto the loaded config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("LOOM_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("LOOM_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("LOOM_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = []string{v}
	}
	if v := os.Getenv("MEMGRAPH_URI"); v != "" {
		c.Mirror.URI = v
	}
	if v := os.Getenv("MEMGRAPH_USER"); v != "" {
		c.Mirror.User = v
	}
	if v := os.Getenv("MEMGRAPH_PASSWORD"); v != "" {
		c.Mirror.Password = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
}
