// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the operator HTTP surface: task submission, mode
// inspection and control, provider status, and audit queries.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/fulvian/devflow-sub003/internal/admission"
	"github.com/fulvian/devflow-sub003/internal/audit"
	"github.com/fulvian/devflow-sub003/internal/health"
	"github.com/fulvian/devflow-sub003/internal/mode"
	"github.com/fulvian/devflow-sub003/internal/orchestrator"
	"github.com/fulvian/devflow-sub003/internal/provider"
	"github.com/fulvian/devflow-sub003/internal/router"
	"github.com/fulvian/devflow-sub003/internal/task"
)

// AuditQuerier is the read side of the audit trail served by the API.
type AuditQuerier interface {
	QueryByTask(ctx context.Context, taskID string) ([]audit.Record, error)
	QueryRange(ctx context.Context, from, to time.Time) ([]audit.Record, error)
}

// Server is the operator HTTP API.
type Server struct {
	svc      *orchestrator.Service
	registry *provider.Registry
	health   *health.Monitor
	adm      *admission.Controller
	auditQ   AuditQuerier

	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the API server and its routes. The audit querier may be
// nil, in which case audit endpoints answer 503.
func NewServer(svc *orchestrator.Service, reg *provider.Registry, hm *health.Monitor, adm *admission.Controller, auditQ AuditQuerier) *Server {
	s := &Server{
		svc:      svc,
		registry: reg,
		health:   hm,
		adm:      adm,
		auditQ:   auditQ,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware())

	v1 := engine.Group("/v1")
	{
		v1.POST("/tasks", s.submitTask)
		v1.GET("/mode", s.getMode)
		v1.PUT("/mode", s.setMode)
		v1.POST("/incidents", s.reportIncident)
		v1.POST("/cycles", s.reportCycle)
		v1.GET("/providers", s.listProviders)
		v1.POST("/providers/:id/revalidate", s.revalidateProvider)
		v1.GET("/audit", s.queryAudit)
	}
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": string(svc.Mode())})
	})

	s.engine = engine
	return s
}

// Handler exposes the gin engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run starts the HTTP server and blocks until ctx is canceled or the listener
// fails.
func (s *Server) Run(ctx context.Context, host string, port int) error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// submitRequest is the POST /v1/tasks body.
type submitRequest struct {
	ID             string `json:"id"`
	SessionID      string `json:"session_id"`
	Payload        string `json:"payload" binding:"required"`
	Class          string `json:"class"`
	Criticality    string `json:"criticality"`
	DeadlineMs     int64  `json:"deadline_ms"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) submitTask(c *gin.Context) {
	var body submitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := &task.Request{
		ID:             body.ID,
		SessionID:      body.SessionID,
		Payload:        body.Payload,
		Class:          task.Class(body.Class),
		Criticality:    task.Criticality(body.Criticality),
		IdempotencyKey: body.IdempotencyKey,
	}
	if body.DeadlineMs > 0 {
		req.Deadline = time.Now().Add(time.Duration(body.DeadlineMs) * time.Millisecond)
	}

	resp, err := s.svc.Submit(c.Request.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		if ee, ok := router.AsExhausted(err); ok {
			c.JSON(status, gin.H{
				"error":    ee.Error(),
				"task_id":  ee.TaskID,
				"attempts": ee.Attempts,
			})
			return
		}
		if de, ok := router.AsDeadline(err); ok {
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error":    de.Error(),
				"task_id":  de.TaskID,
				"attempts": de.Attempts,
			})
			return
		}
		if errors.Is(err, router.ErrNoCandidates) || errors.Is(err, orchestrator.ErrNoPrimary) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": string(s.svc.Mode())})
}

type setModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) setMode(c *gin.Context) {
	var body setModeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.SetMode(mode.Mode(body.Mode)); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	log.WithField("mode", body.Mode).Warn("api: operator mode change")
	c.JSON(http.StatusOK, gin.H{"mode": string(s.svc.Mode())})
}

type incidentRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) reportIncident(c *gin.Context) {
	var body incidentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.svc.ReportIncident(body.Reason)
	c.JSON(http.StatusAccepted, gin.H{"mode": string(s.svc.Mode())})
}

func (s *Server) reportCycle(c *gin.Context) {
	var body mode.CycleReport
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.svc.ReportCycle(body)
	c.JSON(http.StatusAccepted, gin.H{"mode": string(s.svc.Mode())})
}

func (s *Server) revalidateProvider(c *gin.Context) {
	id := c.Param("id")
	if err := s.health.Revalidate(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	log.WithField("provider", id).Info("api: provider credentials revalidated")
	c.JSON(http.StatusOK, gin.H{"id": id, "status": string(s.health.State(id).Status)})
}

// providerStatus is one row of GET /v1/providers.
type providerStatus struct {
	ID       string                    `json:"id"`
	Name     string                    `json:"name"`
	Priority int                       `json:"priority"`
	Weight   float64                   `json:"weight"`
	Status   string                    `json:"status"`
	Budget   *admission.BudgetSnapshot `json:"budget,omitempty"`
}

func (s *Server) listProviders(c *gin.Context) {
	budgets := make(map[string]admission.BudgetSnapshot)
	for _, b := range s.adm.Snapshot() {
		budgets[b.ProviderID] = b
	}

	var out []providerStatus
	for _, a := range s.registry.All() {
		d := a.Descriptor()
		row := providerStatus{
			ID:       d.ID,
			Name:     d.Name,
			Priority: d.Priority,
			Weight:   d.Weight,
			Status:   string(s.health.State(d.ID).Status),
		}
		if b, ok := budgets[d.ID]; ok {
			bb := b
			row.Budget = &bb
		}
		out = append(out, row)
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (s *Server) queryAudit(c *gin.Context) {
	if s.auditQ == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit store not configured"})
		return
	}

	if taskID := c.Query("task_id"); taskID != "" {
		recs, err := s.auditQ.QueryByTask(c.Request.Context(), taskID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
		return
	}

	from, to := time.Now().Add(-time.Hour), time.Now()
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from: " + err.Error()})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to: " + err.Error()})
			return
		}
		to = t
	}
	recs, err := s.auditQ.QueryRange(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}
