// Package api exposes the engine over HTTP for staff terminals and displays.
//
// Single-entity reads come from the entity cache. Only the GET /orders
// listing queries the store. Transition requests go through the engine like
// every other caller. /stream/:table is a server-sent events feed of
// multiplexer events.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/roach88/ordersync/internal/engine"
	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/queryir"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// streamBuffer is the per-client event backlog of /stream before the client
// is cut off.
const streamBuffer = 64

// maxListLimit caps GET /orders.
const maxListLimit = 500

// OrderLister answers filtered order listings from the store.
type OrderLister interface {
	ListOrders(ctx context.Context, f queryir.OrderFilter) ([]model.Order, error)
}

// Server is the HTTP surface.
type Server struct {
	engine *engine.Engine
	orders OrderLister
	logger *slog.Logger
	router *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithOrderLister enables GET /orders.
func WithOrderLister(l OrderLister) Option {
	return func(s *Server) { s.orders = l }
}

// New builds the router.
func New(eng *engine.Engine, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: eng, logger: logger, router: gin.New()}
	for _, opt := range opts {
		opt(s)
	}
	s.router.Use(gin.Recovery(), s.requestID(), s.accessLog())
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.GET("/health", s.health)

	orders := r.Group("/orders")
	{
		if s.orders != nil {
			orders.GET("", s.listOrders)
		}
		orders.GET("/:id", s.getOrder)
		orders.GET("/:id/audit", s.getAudit)
		orders.POST("/:id/transitions", s.postTransition)
	}

	lines := r.Group("/lines")
	{
		lines.GET("/:id", s.getLine)
		lines.POST("/:id/status", s.postLineStatus)
	}

	r.GET("/tables/:id", s.getTable)
	r.GET("/stream/:table", s.stream)
}

// Handler returns the http.Handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"))
	}
}

func (s *Server) health(c *gin.Context) {
	report := s.engine.Health()
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) getOrder(c *gin.Context) {
	o, ok := s.engine.GetOrder(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, o)
}

// listOrders serves GET /orders?status=pending&status=ready&table=t1&before=<RFC3339>&limit=50.
// Unlike the single-entity reads it queries the store.
func (s *Server) listOrders(c *gin.Context) {
	var f queryir.OrderFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, st := range f.Statuses {
		if _, ok := lifecycle.ParseStatus(string(st)); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(st)})
			return
		}
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}

	orders, err := s.orders.ListOrders(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (s *Server) getLine(c *gin.Context) {
	l, ok := s.engine.GetLine(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "line not found"})
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) getTable(c *gin.Context) {
	t, ok := s.engine.GetTable(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "table not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) getAudit(c *gin.Context) {
	recs, err := s.engine.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "records": recs})
}

type actorInput struct {
	ActorID string `json:"actor_id" binding:"required"`
	Role    string `json:"role"`
	Reason  string `json:"reason"`
}

func (a actorInput) actor() lifecycle.Actor {
	role := lifecycle.Role(a.Role)
	if role == "" {
		role = lifecycle.RoleStaff
	}
	return lifecycle.Actor{ID: a.ActorID, Role: role, Reason: a.Reason}
}

type transitionInput struct {
	actorInput
	Event string `json:"event" binding:"required"`
}

type transitionResponse struct {
	Order   model.Order        `json:"order"`
	From    lifecycle.Status   `json:"from"`
	To      lifecycle.Status   `json:"to"`
	NoOp    bool               `json:"no_op"`
	Skipped []lifecycle.Status `json:"skipped,omitempty"`
	AuditID string             `json:"audit_id,omitempty"`
}

func (s *Server) postTransition(c *gin.Context) {
	var in transitionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if lifecycle.Role(in.Role) == lifecycle.RoleSystem {
		c.JSON(http.StatusForbidden, gin.H{"error": "the system role is reserved"})
		return
	}

	out, err := s.engine.RequestTransition(c.Request.Context(), c.Param("id"), lifecycle.Event(in.Event), in.actor())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, transitionResponse{
		Order:   out.Order,
		From:    out.From,
		To:      out.To,
		NoOp:    out.NoOp,
		Skipped: out.Skipped,
		AuditID: out.Audit.ID,
	})
}

type lineStatusInput struct {
	actorInput
	Status string `json:"status" binding:"required"`
}

func (s *Server) postLineStatus(c *gin.Context) {
	var in lineStatusInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, ok := lifecycle.ParseLineStatus(in.Status)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown line status " + in.Status})
		return
	}

	line, noop, err := s.engine.AdvanceLine(c.Request.Context(), c.Param("id"), to, in.actor())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"line": line, "no_op": noop})
}

// fail maps engine errors to status codes.
func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case engine.IsInvalidActor(err):
		code = http.StatusBadRequest
	case engine.IsConflict(err), engine.IsOrderClosed(err):
		code = http.StatusConflict
	case engine.IsIllegalTransition(err):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "request_id", c.GetString("request_id"), "error", err)
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
