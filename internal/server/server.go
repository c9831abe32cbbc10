// Package server exposes the knowledge graph over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/core/community"
	"github.com/agenthands/loom/internal/core/model"
	"github.com/agenthands/loom/internal/core/pipeline"
	"github.com/agenthands/loom/internal/core/query"
	"github.com/agenthands/loom/internal/metrics"
	"github.com/agenthands/loom/internal/store"
)

// findPathsTimeout caps one traversal; callers may request a shorter deadline
// but never a longer one. On expiry the partial result is returned with
// truncated set.
const findPathsTimeout = 2 * time.Second

type Server struct {
	Pipeline    *pipeline.Pipeline
	Query       *query.Engine
	Communities *community.Engine
	Store       store.KnowledgeStore
	Metrics     *metrics.Metrics
	logger      *zap.Logger
}

func NewServer(p *pipeline.Pipeline, q *query.Engine, c *community.Engine, s store.KnowledgeStore, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{
		Pipeline:    p,
		Query:       q,
		Communities: c,
		Store:       s,
		Metrics:     m,
		logger:      logger.Named("server"),
	}
}

func (s *Server) SetupRouter() *gin.Engine {
	r := gin.Default()

	r.GET("/health", s.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{})))

	r.POST("/entities", s.UpsertEntity)
	r.GET("/entities/:id", s.GetEntity)
	r.GET("/entities/:id/history", s.GetEntityHistory)
	r.GET("/entities/:id/neighborhood", s.GetNeighborhood)
	r.GET("/entities/:id/communities", s.GetEntityCommunities)
	r.POST("/entities/:id/verify", s.VerifyEntity)
	r.POST("/entities/merge", s.MergeEntities)

	r.POST("/relations", s.UpsertRelation)
	r.POST("/paths", s.FindPaths)

	r.GET("/communities", s.GetCommunities)
	r.POST("/communities/recompute", s.RecomputeCommunities)

	r.GET("/audit", s.GetAudit)
	r.GET("/quarantine", s.GetQuarantine)

	return r
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type UpsertEntityRequest struct {
	Name       string                 `json:"name" binding:"required"`
	Type       string                 `json:"type" binding:"required"`
	Properties map[string]interface{} `json:"properties"`
	Confidence float64                `json:"confidence"`
}

func (s *Server) UpsertEntity(c *gin.Context) {
	var req UpsertEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Confidence == 0 {
		req.Confidence = 1.0
	}

	update := &model.UpdateRequest{
		TargetType: model.TargetEntity,
		Operation:  model.OpUpdate,
		Entity: &model.EntityPayload{
			Name:       req.Name,
			Type:       req.Type,
			Properties: req.Properties,
		},
		Confidence: req.Confidence,
		Timestamp:  time.Now().UTC(),
		SourceRef:  "api",
	}
	s.apply(c, update)
}

type UpsertRelationRequest struct {
	SourceID   string                 `json:"source_id"`
	TargetID   string                 `json:"target_id"`
	SourceName string                 `json:"source_name"`
	SourceType string                 `json:"source_type"`
	TargetName string                 `json:"target_name"`
	TargetType string                 `json:"target_type"`
	Type       string                 `json:"type" binding:"required"`
	Properties map[string]interface{} `json:"properties"`
	Confidence float64                `json:"confidence"`
}

func (s *Server) UpsertRelation(c *gin.Context) {
	var req UpsertRelationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Confidence == 0 {
		req.Confidence = 1.0
	}

	payload := &model.RelationPayload{
		SourceID:   req.SourceID,
		TargetID:   req.TargetID,
		Type:       req.Type,
		Properties: req.Properties,
	}
	if req.SourceID == "" {
		payload.SourceKey = model.NewResolutionKey(req.SourceName, req.SourceType)
	}
	if req.TargetID == "" {
		payload.TargetKey = model.NewResolutionKey(req.TargetName, req.TargetType)
	}

	update := &model.UpdateRequest{
		TargetType: model.TargetRelation,
		Operation:  model.OpInsert,
		Relation:   payload,
		Confidence: req.Confidence,
		Timestamp:  time.Now().UTC(),
		SourceRef:  "api",
	}
	s.apply(c, update)
}

func (s *Server) apply(c *gin.Context, update *model.UpdateRequest) {
	res, err := s.Pipeline.Submit(c.Request.Context(), update)
	if err != nil {
		s.logger.Error("submit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply update"})
		return
	}

	status := http.StatusOK
	if res.Status == model.StatusRejected {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"status":   res.Status,
		"reason":   res.Reason,
		"entity":   res.Entity,
		"relation": res.Relation,
	})
}

func (s *Server) GetEntity(c *gin.Context) {
	e, err := s.Store.GetEntity(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) GetEntityHistory(c *gin.Context) {
	log, err := s.Store.ChangeLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": log})
}

func (s *Server) GetNeighborhood(c *gin.Context) {
	minConfidence := floatQuery(c, "min_confidence", 0)
	entities, relations, err := s.Query.Neighborhood(c.Request.Context(), c.Param("id"), minConfidence)
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": entities, "relations": relations})
}

type VerifyRequest struct {
	Confidence float64 `json:"confidence" binding:"required"`
}

func (s *Server) VerifyEntity(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	e, err := s.Pipeline.VerifyEntity(c.Request.Context(), c.Param("id"), req.Confidence)
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type MergeRequest struct {
	DuplicateID string `json:"duplicate_id" binding:"required"`
	SurvivorID  string `json:"survivor_id" binding:"required"`
}

func (s *Server) MergeEntities(c *gin.Context) {
	var req MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := s.Pipeline.MergeEntities(c.Request.Context(), req.DuplicateID, req.SurvivorID); err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "merged"})
}

type FindPathsRequest struct {
	SourceID      string  `json:"source_id" binding:"required"`
	TargetID      string  `json:"target_id" binding:"required"`
	MaxDepth      int     `json:"max_depth"`
	MinConfidence float64 `json:"min_confidence"`
	DeadlineMs    int64   `json:"deadline_ms"`
}

// pathsTimeout clamps a caller-supplied deadline to the server cap.
func pathsTimeout(deadlineMs int64) time.Duration {
	if deadlineMs <= 0 {
		return findPathsTimeout
	}
	d := time.Duration(deadlineMs) * time.Millisecond
	if d > findPathsTimeout {
		return findPathsTimeout
	}
	return d
}

func (s *Server) FindPaths(c *gin.Context) {
	var req FindPathsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), pathsTimeout(req.DeadlineMs))
	defer cancel()

	result, err := s.Query.FindPaths(ctx, req.SourceID, req.TargetID, req.MaxDepth, req.MinConfidence)
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) GetCommunities(c *gin.Context) {
	communities, err := s.Store.Communities(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load communities"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"communities": communities})
}

func (s *Server) GetEntityCommunities(c *gin.Context) {
	communities, err := s.Store.CommunitiesFor(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"communities": communities})
}

func (s *Server) RecomputeCommunities(c *gin.Context) {
	if err := s.Communities.Run(c.Request.Context()); err != nil {
		s.logger.Error("community recompute failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recompute failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) GetAudit(c *gin.Context) {
	limit := int(floatQuery(c, "limit", 100))
	entries, err := s.Store.AuditEntries(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) GetQuarantine(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tables": s.Pipeline.Quarantined()})
}

func (s *Server) notFoundOr500(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.logger.Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func floatQuery(c *gin.Context, name string, fallback float64) float64 {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}
