// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/citypulse/citypulse/internal/core"
)

type sosRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

type forumRequest struct {
	Username string `json:"username" binding:"required"`
	Message  string `json:"message" binding:"required"`
}

type presenceResponse struct {
	RoomID string `json:"roomId"`
	Count  int    `json:"count"`
}

type historyResponse struct {
	RoomID   string         `json:"roomId"`
	Messages []core.Message `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.traceMiddleware(), s.metricsMiddleware())

	r.GET("/ws", s.handleWebSocket)
	r.GET("/health", s.handleHealth)
	r.POST("/send-sos", s.handleSendSOS)
	r.POST("/forum", s.handleForum)

	api := r.Group("/api")
	api.GET("/rooms", s.handleRooms)
	api.GET("/rooms/:id/presence", s.handlePresence)
	api.GET("/rooms/:id/history", s.handleHistory)
	api.GET("/rooms/:id/members", s.handleMembers)
	return r
}

func (s *Server) traceMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer(tracerName)
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "http "+c.Request.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.target", c.Request.URL.Path),
			))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if s.metrics != nil && route != "/ws" {
			s.metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		}
		s.logger.DebugContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"route", route,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.hub.ConnectionCount(),
	})
}

// handleSendSOS always reports success; push delivery is best effort.
func (s *Server) handleSendSOS(c *gin.Context) {
	var req sosRequest
	//nolint:errcheck // an empty or malformed body falls back to defaults
	c.ShouldBindJSON(&req)

	s.alerts.SendAlert(c.Request.Context(), core.SystemID, req.Title, req.Message)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "SOS Alert Sent!"})
}

func (s *Server) handleForum(c *gin.Context) {
	var req forumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Username and message are required"})
		return
	}

	if _, err := s.hub.PublishSystem(c.Request.Context(), s.hub.GlobalRoom(), req.Username, req.Message); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: core.ClientMessage(err), Code: core.ErrorCode(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Forum message broadcasted"})
}

func (s *Server) handleRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": s.hub.Rooms()})
}

func (s *Server) handlePresence(c *gin.Context) {
	roomID := c.Param("id")
	c.JSON(http.StatusOK, presenceResponse{RoomID: roomID, Count: s.hub.Count(roomID)})
}

func (s *Server) handleHistory(c *gin.Context) {
	roomID := c.Param("id")
	requested := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		requested = n
	}
	limit, err := s.dispatcher.resolveHistoryLimit(requested)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: core.ClientMessage(err), Code: core.ErrorCode(err)})
		return
	}

	msgs, err := s.hub.History(roomID, limit)
	if err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: core.ClientMessage(err), Code: core.ErrorCode(err)})
		return
	}
	c.JSON(http.StatusOK, historyResponse{RoomID: roomID, Messages: msgs})
}

func (s *Server) handleMembers(c *gin.Context) {
	roomID := c.Param("id")
	members, err := s.hub.Members(roomID)
	if err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: core.ClientMessage(err), Code: core.ErrorCode(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "members": members})
}
