// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package telnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/citypulse/citypulse/internal/core"
	"github.com/citypulse/citypulse/internal/gateway"
	"github.com/citypulse/citypulse/internal/protocol"
)

// ConnectionHandler drives one telnet session. All writes to the socket
// happen on the goroutine running Handle.
type ConnectionHandler struct {
	conn       net.Conn
	reader     *bufio.Reader
	hub        *core.Hub
	dispatcher *gateway.Dispatcher
	outbox     *core.Outbox
	client     *core.Connection
	quitting   bool
	logger     *slog.Logger
}

// NewConnectionHandler creates a handler for conn.
func NewConnectionHandler(conn net.Conn, hub *core.Hub, dispatcher *gateway.Dispatcher, sendBuffer int) *ConnectionHandler {
	return &ConnectionHandler{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		hub:        hub,
		dispatcher: dispatcher,
		outbox:     core.NewOutbox(sendBuffer),
		logger:     slog.Default().With("remote", conn.RemoteAddr().String()),
	}
}

// Handle processes the session until the client quits, the socket fails or
// ctx is cancelled.
func (h *ConnectionHandler) Handle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("telnet session panicked", "panic", r)
		}
		if h.client != nil {
			h.hub.Disconnect(h.client.ID)
			h.dispatcher.Forget(h.client)
		}
		h.outbox.Close()
		if err := h.conn.Close(); err != nil {
			h.logger.Debug("error closing connection", "error", err)
		}
	}()

	h.send("Welcome to CityPulse!")
	h.send("Use: connect <name> [room]")

	lineCh := make(chan string)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			line, err := h.reader.ReadString('\n')
			if err != nil {
				errCh <- err
				return
			}
			select {
			case lineCh <- strings.TrimSpace(line):
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.send("Server shutting down.")
			return

		case err := <-errCh:
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("connection read error", "error", err)
			}
			return

		case line := <-lineCh:
			h.processLine(ctx, line)
			if h.quitting {
				return
			}

		case ev := <-h.eventChanOrNil():
			for _, line := range render(ev) {
				h.send(line)
			}
		}
	}
}

// eventChanOrNil returns nil before connect so the select case never fires.
func (h *ConnectionHandler) eventChanOrNil() <-chan core.Event {
	if h.client != nil {
		return h.outbox.Events()
	}
	return nil
}

func parseCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	cmd, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func (h *ConnectionHandler) processLine(ctx context.Context, line string) {
	cmd, arg := parseCommand(line)

	switch cmd {
	case "":
		return
	case "connect":
		h.handleConnect(ctx, arg)
		return
	case "quit":
		h.send("Goodbye!")
		h.quitting = true
		return
	case "help":
		h.sendHelp()
		return
	}

	if h.client == nil {
		h.send("You must connect first.")
		return
	}

	switch cmd {
	case "join", "leave":
		room, _, _ := strings.Cut(arg, " ")
		if room == "" {
			h.send("Usage: " + cmd + " <room>")
			return
		}
		if cmd == "join" {
			h.dispatch(ctx, protocol.Join{RoomID: room})
		} else {
			h.dispatch(ctx, protocol.Leave{RoomID: room})
		}
	case "say":
		room, text, _ := strings.Cut(arg, " ")
		if room == "" || strings.TrimSpace(text) == "" {
			h.send("Usage: say <room> <text>")
			return
		}
		h.dispatch(ctx, protocol.Publish{RoomID: room, Body: strings.TrimSpace(text)})
	case "history":
		h.handleHistory(ctx, arg)
	case "sos":
		h.dispatch(ctx, protocol.SendAlert{Body: arg})
	case "who":
		h.handleWho(arg)
	case "rooms":
		h.handleRooms()
	default:
		h.send("Unknown command: " + cmd)
	}
}

// dispatch forwards ev; failures come back through the outbox as error events.
func (h *ConnectionHandler) dispatch(ctx context.Context, ev protocol.ClientEvent) {
	//nolint:errcheck // rejected requests are reported as error events
	h.dispatcher.Dispatch(ctx, h.client, ev)
}

func (h *ConnectionHandler) handleConnect(ctx context.Context, arg string) {
	if h.client != nil {
		h.send("Already connected.")
		return
	}

	fields := strings.Fields(arg)
	if len(fields) == 0 || len(fields) > 2 {
		h.send("Usage: connect <name> [room]")
		return
	}
	hs := core.Handshake{DisplayName: fields[0]}
	if len(fields) == 2 {
		hs.InitialRoomID = fields[1]
	}

	client, err := h.hub.Accept(ctx, hs, h.outbox)
	if err != nil {
		h.send("Error: " + core.ClientMessage(err))
		return
	}
	h.client = client
	h.logger = h.logger.With("conn_id", client.ID.String())
	h.logger.Info("telnet client connected", "display_name", client.DisplayName)
}

func (h *ConnectionHandler) handleHistory(ctx context.Context, arg string) {
	fields := strings.Fields(arg)
	if len(fields) == 0 || len(fields) > 2 {
		h.send("Usage: history <room> [n]")
		return
	}
	req := protocol.RequestHistory{RoomID: fields[0]}
	if len(fields) == 2 {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			h.send("Usage: history <room> [n]")
			return
		}
		req.Limit = n
	}
	h.dispatch(ctx, req)
}

func (h *ConnectionHandler) handleWho(arg string) {
	room := strings.TrimSpace(arg)
	if room == "" {
		room = h.hub.GlobalRoom()
	}
	members, err := h.hub.Members(room)
	if err != nil {
		h.send("Error: " + core.ClientMessage(err))
		return
	}
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.DisplayName)
	}
	h.send(fmt.Sprintf("[%s] %d online: %s", room, len(members), strings.Join(names, ", ")))
}

func (h *ConnectionHandler) handleRooms() {
	for _, r := range h.hub.Rooms() {
		h.send(fmt.Sprintf("%s (%d online)", r.ID, r.Count))
	}
}

func (h *ConnectionHandler) sendHelp() {
	for _, line := range []string{
		"connect <name> [room]  join the city",
		"join <room>            enter a room",
		"leave <room>           exit a room",
		"say <room> <text>      post to a room",
		"history <room> [n]     show recent messages",
		"who [room]             list members",
		"rooms                  list rooms",
		"sos [message]          raise an emergency alert",
		"quit                   disconnect",
	} {
		h.send(line)
	}
}

func (h *ConnectionHandler) send(msg string) {
	if _, err := fmt.Fprintln(h.conn, msg); err != nil {
		h.logger.Debug("failed to send message to client", "error", err)
	}
}
