// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/citypulse/citypulse/internal/core"
	"github.com/citypulse/citypulse/internal/logging"
	"github.com/citypulse/citypulse/internal/protocol"
)

const transportWebSocket = "websocket"

func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.countConnection(transportWebSocket, "upgrade_failed")
		s.logger.Warn("websocket upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()
	s.serveConn(s.baseCtx, ws)
}

// serveConn runs one connection from handshake to disconnect. Any failure,
// including a panic, ends only this connection.
func (s *Server) serveConn(parent context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("connection loop panicked", "panic", r)
			_ = ws.Close(websocket.StatusInternalError, "internal error")
		}
	}()

	if s.cfg.MaxFrameBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxFrameBytes)
	}

	hs, err := s.readHello(ctx, ws)
	if err != nil {
		s.rejectHandshake(ctx, ws, err)
		return
	}

	outbox := core.NewOutbox(s.cfg.SendBuffer)
	defer outbox.Close()
	conn, err := s.hub.Accept(ctx, hs, outbox)
	if err != nil {
		s.rejectHandshake(ctx, ws, err)
		return
	}
	defer s.dispatcher.Forget(conn)
	defer s.hub.Disconnect(conn.ID)
	s.countConnection(transportWebSocket, "accepted")

	logger := logging.ForConnection(s.logger, conn.ID.String())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := s.writeLoop(ctx, ws, outbox); err != nil && ctx.Err() == nil {
			logger.Debug("write loop ended", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		if err := s.pingLoop(ctx, ws); err != nil && ctx.Err() == nil {
			logger.Info("connection missed pong", "error", err)
		}
	}()

	readErr := s.readLoop(ctx, ws, conn, logger)
	cancel()
	wg.Wait()

	s.closeConn(parent, ws, readErr, logger)
}

func (s *Server) readHello(ctx context.Context, ws *websocket.Conn) (core.Handshake, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	typ, data, err := ws.Read(hctx)
	if err != nil {
		return core.Handshake{}, core.ErrInvalidHandshake(fmt.Sprintf("no hello received: %v", err))
	}
	if typ != websocket.MessageText {
		return core.Handshake{}, core.ErrInvalidHandshake("hello must be a text frame")
	}
	return protocol.ParseHello(data)
}

func (s *Server) rejectHandshake(ctx context.Context, ws *websocket.Conn, err error) {
	s.countConnection(transportWebSocket, "rejected")
	s.logger.Info("handshake rejected", "code", core.ErrorCode(err), "error", err)

	if frame, encErr := protocol.EncodeEvent(core.NewErrorEvent(err, "")); encErr == nil {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		_ = ws.Write(wctx, websocket.MessageText, frame)
		cancel()
	}
	_ = ws.Close(websocket.StatusPolicyViolation, core.ErrorCode(err))
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *core.Connection, logger *slog.Logger) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.dispatcher.Reject(conn, core.ErrMalformedFrame(errors.New("binary frames are not supported")), "")
			continue
		}

		ev, err := protocol.DecodeClientEvent(data)
		if err != nil {
			logger.Debug("undecodable frame", "code", core.ErrorCode(err))
			s.dispatcher.Reject(conn, err, "")
			continue
		}
		//nolint:errcheck // failures are reported to the client by Dispatch
		s.dispatcher.Dispatch(ctx, conn, ev)
	}
}

func (s *Server) writeLoop(ctx context.Context, ws *websocket.Conn, outbox *core.Outbox) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-outbox.Done():
			return nil
		case ev := <-outbox.Events():
			frame, err := protocol.EncodeEvent(ev)
			if err != nil {
				return err
			}
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err = ws.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// pingLoop fails when a pong does not arrive within PongTimeout.
func (s *Server) pingLoop(ctx context.Context, ws *websocket.Conn) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.PongTimeout)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (s *Server) closeConn(parent context.Context, ws *websocket.Conn, readErr error, logger *slog.Logger) {
	switch status := websocket.CloseStatus(readErr); {
	case parent.Err() != nil:
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		logger.Info("connection closed by shutdown")
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		_ = ws.CloseNow()
		logger.Info("connection closed by client")
	default:
		_ = ws.CloseNow()
		logger.Info("connection lost", "error", readErr)
	}
}
