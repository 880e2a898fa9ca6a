// Package api exposes the fact pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eliranbeatt/studio-facts/internal/lifecycle"
	"github.com/eliranbeatt/studio-facts/internal/pipeline"
	"github.com/eliranbeatt/studio-facts/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server handles HTTP requests against one store.
type Server struct {
	Store        store.Store
	Service      *lifecycle.Service
	Orchestrator *pipeline.Orchestrator // extraction routes return 501 without it
	Logger       *zap.Logger
}

// SetupRouter builds the gin engine with all routes.
func (s *Server) SetupRouter() *gin.Engine {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	v1 := r.Group("/v1")

	p := v1.Group("/projects/:project")
	p.POST("/bundles", s.AddBundle)
	p.POST("/items", s.AddItem)
	p.GET("/facts", s.ListFacts)
	p.GET("/issues", s.ListIssues)
	p.GET("/runs", s.ListRuns)
	p.GET("/context", s.Context)
	p.GET("/stats", s.Stats)
	p.PUT("/enabled", s.SetEnabled)

	v1.POST("/bundles/:id/extract", s.Extract)

	f := v1.Group("/facts/:id")
	f.POST("/accept", s.factAction(s.Service.Accept))
	f.POST("/reject", s.factAction(s.Service.Reject))
	f.POST("/post-process", s.PostProcess)
	f.PATCH("", s.UpdateFact)
	f.DELETE("", s.factAction(s.Service.Delete))

	v1.POST("/issues/:id/resolve", s.ResolveIssue)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

type addBundleRequest struct {
	ID   string `json:"id"`
	Text string `json:"text" binding:"required"`
}

func (s *Server) AddBundle(c *gin.Context) {
	var req addBundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	id, err := s.Store.AddBundle(c.Request.Context(), &store.Bundle{ID: req.ID, Project: c.Param("project"), Text: req.Text})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bundle_id": id})
}

type addItemRequest struct {
	ID   string `json:"id"`
	Name string `json:"name" binding:"required"`
}

func (s *Server) AddItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	id, err := s.Store.AddItem(c.Request.Context(), &store.Item{ID: req.ID, Project: c.Param("project"), Name: req.Name})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item_id": id})
}

func (s *Server) Extract(c *gin.Context) {
	if s.Orchestrator == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "extraction is not configured"})
		return
	}
	out, err := s.Orchestrator.Process(c.Request.Context(), c.Param("id"))
	if err != nil {
		if out != nil {
			// The run was recorded; report it alongside the failure.
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "outcome": out})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) ListFacts(c *gin.Context) {
	facts, err := s.Service.ListFacts(c.Request.Context(), lifecycle.FactQuery{
		Project:   c.Param("project"),
		Status:    c.Query("status"),
		ScopeType: c.Query("scope_type"),
		ItemID:    c.Query("item_id"),
		Limit:     queryInt(c, "limit"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if facts == nil {
		facts = []*store.Fact{}
	}
	c.JSON(http.StatusOK, gin.H{"facts": facts})
}

func (s *Server) ListIssues(c *gin.Context) {
	issues, err := s.Service.ListIssues(c.Request.Context(), c.Param("project"), c.Query("status"), queryInt(c, "limit"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if issues == nil {
		issues = []*store.Issue{}
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues})
}

func (s *Server) ListRuns(c *gin.Context) {
	runs, err := s.Service.ListRuns(c.Request.Context(), c.Param("project"), queryInt(c, "limit"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) Context(c *gin.Context) {
	var itemIDs []string
	for _, id := range strings.Split(c.Query("item_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			itemIDs = append(itemIDs, id)
		}
	}
	res, err := s.Service.Context(c.Request.Context(), lifecycle.ContextQuery{
		Project:   c.Param("project"),
		ScopeType: c.Query("scope_type"),
		ItemIDs:   itemIDs,
		QueryText: c.Query("query"),
		Limit:     queryInt(c, "limit"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) Stats(c *gin.Context) {
	stats, err := s.Service.Stats(c.Request.Context(), c.Param("project"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) SetEnabled(c *gin.Context) {
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if err := s.Service.SetFactsEnabled(c.Request.Context(), c.Param("project"), *req.Enabled); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": c.Param("project"), "facts_enabled": *req.Enabled})
}

func (s *Server) factAction(fn func(context.Context, int64) (*lifecycle.Action, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		act, err := fn(c.Request.Context(), id)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, act)
	}
}

type updateFactRequest struct {
	Text   *string `json:"text"`
	ItemID *string `json:"item_id"`
}

// UpdateFact edits the text, the item scope, or both.
func (s *Server) UpdateFact(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateFactRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Text == nil && req.ItemID == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	var actions []*lifecycle.Action
	if req.Text != nil {
		act, err := s.Service.UpdateText(c.Request.Context(), id, *req.Text)
		if err != nil {
			s.fail(c, err)
			return
		}
		actions = append(actions, act)
	}
	if req.ItemID != nil {
		act, err := s.Service.AssignItem(c.Request.Context(), id, *req.ItemID)
		if err != nil {
			s.fail(c, err)
			return
		}
		actions = append(actions, act)
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

func (s *Server) PostProcess(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := s.Service.PostProcess(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type resolveIssueRequest struct {
	Status string `json:"status"`
}

func (s *Server) ResolveIssue(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req resolveIssueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}
	if req.Status == "" {
		req.Status = store.IssueResolved
	}
	act, err := s.Service.ResolveIssue(c.Request.Context(), id, req.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, act)
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, lifecycle.ErrEmptyText):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.Logger.Warn("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string) int {
	n, _ := strconv.Atoi(c.Query(name))
	return n
}
