// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse/citypulse/internal/config"
	"github.com/citypulse/citypulse/internal/core"
	"github.com/citypulse/citypulse/internal/push"
	"github.com/citypulse/citypulse/pkg/client"
	"github.com/citypulse/citypulse/pkg/errutil"
)

// fakeArchive records appended entries and serves them back.
type fakeArchive struct {
	mu       sync.Mutex
	messages []core.Message
	alerts   []core.Alert
	err      error
}

func (a *fakeArchive) AppendMessage(_ context.Context, msg core.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
	return nil
}

func (a *fakeArchive) AppendAlert(_ context.Context, alert core.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *fakeArchive) RecentMessages(_ context.Context, roomID string, limit int) ([]core.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	var out []core.Message
	for _, m := range a.messages {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (a *fakeArchive) RecentAlerts(_ context.Context, limit int) ([]core.Alert, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	out := a.alerts
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (a *fakeArchive) Ping(context.Context) error { return nil }

func (a *fakeArchive) snapshot() ([]core.Message, []core.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]core.Message(nil), a.messages...), append([]core.Alert(nil), a.alerts...)
}

func archiveFactory(a *fakeArchive) func(context.Context, string) (ArchiveStore, func(), error) {
	return func(context.Context, string) (ArchiveStore, func(), error) {
		return a, func() {}, nil
	}
}

var localAddrs = []string{"--http-addr", "127.0.0.1:0", "--metrics-addr", "127.0.0.1:0", "--log-format", "text", "--log-level", "error"}

func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CITYPULSE_PUSH_TOKEN", "")
	t.Chdir(t.TempDir())
	configFile = ""
}

type runningServer struct {
	info   ServeInfo
	cancel context.CancelFunc
	errCh  chan error
}

func (s *runningServer) stop(t *testing.T) {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func startServe(t *testing.T, deps *ServeDeps, args ...string) *runningServer {
	t.Helper()
	cmd := NewServeCmd()
	cmd.SetOut(io.Discard)
	require.NoError(t, cmd.Flags().Parse(append(append([]string{}, localAddrs...), args...)))

	if deps == nil {
		deps = &ServeDeps{}
	}
	ready := make(chan ServeInfo, 1)
	deps.Ready = func(info ServeInfo) { ready <- info }

	ctx, cancel := context.WithCancel(context.Background())
	s := &runningServer{cancel: cancel, errCh: make(chan error, 1)}
	go func() { s.errCh <- runServeWithDeps(ctx, cmd, &serveConfig{}, deps) }()

	select {
	case s.info = <-ready:
	case err := <-s.errCh:
		cancel()
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("serve did not become ready")
	}
	t.Cleanup(cancel)
	return s
}

func dialServer(t *testing.T, addr, name string, handler client.Handler) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, "ws://"+addr+"/ws", name, client.WithHandler(handler))
	require.NoError(t, err)
	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(runCtx)
	}()
	t.Cleanup(func() {
		stop()
		_ = c.Close()
		<-done
	})
	return c
}

func TestServeCommand_Flags(t *testing.T) {
	cmd := NewServeCmd()
	for _, name := range []string{"http-addr", "metrics-addr", "telnet-addr", "log-format", "global-room", "allow-rooms", "archive", "print-config"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	httpAddr, err := cmd.Flags().GetString("http-addr")
	require.NoError(t, err)
	assert.Equal(t, ":5001", httpAddr)
}

func TestServe_PrintConfig(t *testing.T) {
	isolateConfig(t)
	t.Setenv("CITYPULSE_PUSH_TOKEN", "super-secret")

	cmd := NewServeCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	require.NoError(t, cmd.Flags().Parse([]string{"--global-room", "plaza"}))

	require.NoError(t, runServeWithDeps(context.Background(), cmd, &serveConfig{printConfig: true}, nil))

	assert.Contains(t, buf.String(), "global: plaza")
	assert.Contains(t, buf.String(), "http_addr:")
	assert.NotContains(t, buf.String(), "super-secret")
}

func TestServe_InvalidConfig(t *testing.T) {
	isolateConfig(t)
	cmd := NewServeCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--log-format", "xml"}))

	err := runServeWithDeps(context.Background(), cmd, &serveConfig{}, nil)
	errutil.AssertErrorCode(t, err, config.CodeInvalidConfig)
}

func TestServe_NotifierFailure(t *testing.T) {
	isolateConfig(t)
	cmd := NewServeCmd()
	cmd.SetOut(io.Discard)
	require.NoError(t, cmd.Flags().Parse(localAddrs))

	err := runServeWithDeps(context.Background(), cmd, &serveConfig{}, &ServeDeps{
		NotifierFactory: func(push.Options) (core.Notifier, error) { return nil, errors.New("no provider") },
	})
	assert.ErrorContains(t, err, "no provider")
}

func TestServe_EndToEnd(t *testing.T) {
	isolateConfig(t)
	srv := startServe(t, nil)

	delivered := make(chan core.MessageDelivered, 4)
	c := dialServer(t, srv.info.HTTPAddr, "Ana", func(ev core.Event) {
		if md, ok := ev.(core.MessageDelivered); ok {
			delivered <- md
		}
	})
	require.NoError(t, c.Publish(context.Background(), "forum", "street fair at noon"))

	select {
	case md := <-delivered:
		assert.Equal(t, "street fair at noon", md.Message.Body)
		assert.Equal(t, "Ana", md.Message.SenderName)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}

	resp, err := http.Get("http://" + srv.info.MetricsAddr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "citypulse_messages_published_total")

	resp, err = http.Get("http://" + srv.info.MetricsAddr + "/healthz/readiness")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	srv.stop(t)
}

func TestServe_ArchivesWhenEnabled(t *testing.T) {
	isolateConfig(t)
	t.Setenv("DATABASE_URL", "postgres://archive.invalid/citypulse")
	archive := &fakeArchive{}
	srv := startServe(t, &ServeDeps{ArchiveFactory: archiveFactory(archive)}, "--archive")

	c := dialServer(t, srv.info.HTTPAddr, "Ana", nil)
	ctx := context.Background()
	require.NoError(t, c.Publish(ctx, "forum", "archived"))
	require.NoError(t, c.SendAlert(ctx, "Flood", "River St"))

	require.Eventually(t, func() bool {
		msgs, alerts := archive.snapshot()
		return len(msgs) == 1 && len(alerts) == 1
	}, 3*time.Second, 10*time.Millisecond)
	srv.stop(t)

	msgs, alerts := archive.snapshot()
	assert.Equal(t, "archived", msgs[0].Body)
	assert.Equal(t, "Flood", alerts[0].Title)
}

func TestServe_TelnetEnabled(t *testing.T) {
	isolateConfig(t)
	srv := startServe(t, nil, "--telnet-addr", "127.0.0.1:0")

	assert.NotEmpty(t, srv.info.TelnetAddr)
	srv.stop(t)
}

func TestServe_ArchiveOpenFailure(t *testing.T) {
	isolateConfig(t)
	t.Setenv("DATABASE_URL", "postgres://archive.invalid/citypulse")
	cmd := NewServeCmd()
	cmd.SetOut(io.Discard)
	require.NoError(t, cmd.Flags().Parse(append(append([]string{}, localAddrs...), "--archive")))

	err := runServeWithDeps(context.Background(), cmd, &serveConfig{}, &ServeDeps{
		ArchiveFactory: func(context.Context, string) (ArchiveStore, func(), error) {
			return nil, nil, errors.New("connection refused")
		},
	})
	errutil.AssertErrorCode(t, err, "DB_CONNECT_FAILED")
}
