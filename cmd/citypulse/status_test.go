// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package main

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStatusServer(t *testing.T, ready bool) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","connections":3}`))
	})
	mux.HandleFunc("/healthz/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func runStatusWith(t *testing.T, cfg *statusConfig) string {
	t.Helper()
	cfg.client = &http.Client{Timeout: time.Second}
	cmd := &cobra.Command{}
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	require.NoError(t, runStatus(cmd, cfg))
	return buf.String()
}

func TestStatus_Running(t *testing.T) {
	addr := newStatusServer(t, true)

	out := runStatusWith(t, &statusConfig{httpAddr: addr, metricsAddr: addr})

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	require.Len(t, lines, 3)
	assert.Regexp(t, `^COMPONENT\s+STATUS\s+HEALTH\s+CONNECTIONS\s*$`, strings.TrimSpace(lines[0]))
	assert.Regexp(t, `^gateway\s+running\s+ok\s+3\s*$`, strings.TrimSpace(lines[1]))
	assert.Regexp(t, `^metrics\s+running\s+ready\s+-\s*$`, strings.TrimSpace(lines[2]))
}

func TestStatus_NotReady(t *testing.T) {
	addr := newStatusServer(t, false)

	out := runStatusWith(t, &statusConfig{httpAddr: addr, metricsAddr: addr})

	assert.Contains(t, out, "not ready")
}

func TestStatus_Stopped(t *testing.T) {
	out := runStatusWith(t, &statusConfig{httpAddr: closedAddr(t)})

	assert.Contains(t, out, "gateway")
	assert.Contains(t, out, "stopped")
	assert.Contains(t, out, "failed to connect")
	assert.NotContains(t, out, "metrics")
}

func TestStatus_JSON(t *testing.T) {
	addr := newStatusServer(t, true)

	out := runStatusWith(t, &statusConfig{httpAddr: addr, jsonOutput: true})

	var statuses map[string]ProcessStatus
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	assert.Equal(t, ProcessStatus{Component: "gateway", Running: true, Health: "ok", Connections: 3}, statuses["gateway"])
}

func TestDialable(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{":5001", "127.0.0.1:5001"},
		{"0.0.0.0:80", "127.0.0.1:80"},
		{"[::]:80", "127.0.0.1:80"},
		{"example.com:5001", "example.com:5001"},
		{"no-port", "no-port"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dialable(tt.in), tt.in)
	}
}

func TestStatusCommand_Defaults(t *testing.T) {
	cmd := NewStatusCmd()
	httpAddr, err := cmd.Flags().GetString("http-addr")
	require.NoError(t, err)
	assert.Equal(t, ":5001", httpAddr)
	metricsAddr, err := cmd.Flags().GetString("metrics-addr")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", metricsAddr)
}
