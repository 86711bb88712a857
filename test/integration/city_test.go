// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

//go:build integration

package integration

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/citypulse/citypulse/internal/core"
	"github.com/citypulse/citypulse/internal/gateway"
	"github.com/citypulse/citypulse/internal/store"
	"github.com/citypulse/citypulse/internal/telnet"
	"github.com/citypulse/citypulse/pkg/client"
	"github.com/citypulse/citypulse/pkg/escalation"
)

// testEnv holds a full server stack backed by a PostgreSQL archive.
type testEnv struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container testcontainers.Container
	pool      interface{ Close() }
	archive   *store.PostgresArchive
	writer    *store.Writer
	hub       *core.Hub
	alerts    *core.AlertDispatcher
	gateway   *gateway.Server
	telnet    *telnet.Server
	wsURL     string
}

func setupTestEnv() (*testEnv, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	env := &testEnv{ctx: ctx, cancel: cancel}

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("citypulse_test"),
		postgres.WithUsername("citypulse"),
		postgres.WithPassword("citypulse"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	env.container = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		env.cleanup()
		return nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		env.cleanup()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		env.cleanup()
		return nil, err
	}
	_ = migrator.Close()

	pool, err := store.Connect(ctx, connStr)
	if err != nil {
		env.cleanup()
		return nil, err
	}
	env.pool = pool
	env.archive = store.NewPostgresArchive(pool)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.writer = store.NewWriter(env.archive, store.WithWriterLogger(logger))

	policy, err := core.NewRoomPolicy("forum", "evt-*")
	if err != nil {
		env.cleanup()
		return nil, err
	}
	env.hub = core.NewHub(
		core.WithRoomPolicy(policy),
		core.WithArchiver(env.writer),
		core.WithLogger(logger),
	)
	env.alerts = core.NewAlertDispatcher(env.hub, nil,
		core.WithAlertArchiver(env.writer),
		core.WithAlertLogger(logger),
	)
	dispatcher := gateway.NewDispatcher(env.hub, env.alerts, gateway.WithDispatchLogger(logger))

	cfg := gateway.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	env.gateway = gateway.NewServer(env.hub, env.alerts, dispatcher,
		gateway.WithConfig(cfg),
		gateway.WithLogger(logger),
	)
	if _, err := env.gateway.Start(); err != nil {
		env.cleanup()
		return nil, err
	}
	env.wsURL = "ws://" + env.gateway.Addr() + "/ws"

	env.telnet = telnet.NewServer("127.0.0.1:0", env.hub, dispatcher)
	go func() { _ = env.telnet.Run(ctx) }()

	return env, nil
}

func (e *testEnv) cleanup() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if e.gateway != nil {
		_ = e.gateway.Stop(shutdownCtx)
	}
	if e.alerts != nil {
		e.alerts.Wait()
	}
	if e.writer != nil {
		_ = e.writer.Close(shutdownCtx)
	}
	if e.pool != nil {
		e.pool.Close()
	}
	if e.container != nil {
		_ = e.container.Terminate(shutdownCtx)
	}
	e.cancel()
}

// inbox collects the events a client receives.
type inbox struct {
	mu     sync.Mutex
	events []core.Event
}

func (b *inbox) handle(ev core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *inbox) alerts() []core.Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []core.Alert
	for _, ev := range b.events {
		if ad, ok := ev.(core.AlertDelivered); ok {
			out = append(out, ad.Alert)
		}
	}
	return out
}

func (b *inbox) messages(roomID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, ev := range b.events {
		if md, ok := ev.(core.MessageDelivered); ok && md.Message.RoomID == roomID {
			out = append(out, md.Message.Body)
		}
	}
	return out
}

func (b *inbox) presence(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := -1
	for _, ev := range b.events {
		if pu, ok := ev.(core.PresenceUpdate); ok && pu.RoomID == roomID {
			count = pu.Count
		}
	}
	return count
}

func connectClient(e *testEnv, name string) (*client.Client, *inbox) {
	box := &inbox{}
	c, err := client.Dial(e.ctx, e.wsURL, name,
		client.WithHandler(box.handle),
		client.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	Expect(err).NotTo(HaveOccurred())
	go func() { _ = c.Run(e.ctx) }()
	DeferCleanup(func() { _ = c.Close() })
	return c, box
}

var _ = Describe("City stream", Ordered, func() {
	var env *testEnv

	BeforeAll(func() {
		var err error
		env, err = setupTestEnv()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if env != nil {
			env.cleanup()
		}
	})

	Describe("rooms and presence", func() {
		It("delivers room messages to members and archives them", func() {
			ana, anaBox := connectClient(env, "Ana")
			bo, boBox := connectClient(env, "Bo")

			Expect(ana.Join(env.ctx, "evt-market")).To(Succeed())
			Expect(bo.Join(env.ctx, "evt-market")).To(Succeed())
			Eventually(func() int { return anaBox.presence("evt-market") }, 5*time.Second).Should(Equal(2))

			Expect(ana.Publish(env.ctx, "evt-market", "fresh bread at stall 4")).To(Succeed())
			Eventually(func() []string { return boBox.messages("evt-market") }, 5*time.Second).
				Should(ConsistOf("fresh bread at stall 4"))

			Eventually(func() ([]core.Message, error) {
				return env.archive.RecentMessages(env.ctx, "evt-market", 10)
			}, 5*time.Second).Should(HaveLen(1))

			Expect(bo.Leave(env.ctx, "evt-market")).To(Succeed())
			Eventually(func() int { return anaBox.presence("evt-market") }, 5*time.Second).Should(Equal(1))
		})

		It("reaches telnet users in the forum", func() {
			Eventually(env.telnet.Addr, 5*time.Second).ShouldNot(BeEmpty())
			conn, err := net.Dial("tcp", env.telnet.Addr())
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = conn.Close() }()
			reader := bufio.NewReader(conn)

			_, err = conn.Write([]byte("connect Cy\n"))
			Expect(err).NotTo(HaveOccurred())

			ws, _ := connectClient(env, "Dee")
			Eventually(func() int { return env.hub.Count("forum") }, 5*time.Second).Should(BeNumerically(">=", 2))
			Expect(ws.Publish(env.ctx, "forum", "hello from the web")).To(Succeed())

			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			Eventually(func() string {
				line, _ := reader.ReadString('\n')
				return line
			}, 5*time.Second).Should(ContainSubstring("Dee: hello from the web"))
		})
	})

	Describe("safety checks", func() {
		It("escalates an unanswered check into an alert for everyone", func() {
			walker, _ := connectClient(env, "Walker")
			_, neighbourBox := connectClient(env, "Neighbour")

			session := escalation.NewSession(walker.Alerter(),
				escalation.WithCountdown(3, 10*time.Millisecond),
			)
			Expect(session.Start(env.ctx)).To(Succeed())
			Eventually(session.Done(), 5*time.Second).Should(BeClosed())
			Expect(session.State()).To(Equal(escalation.Escalated))

			Eventually(neighbourBox.alerts, 5*time.Second).Should(HaveLen(1))
			alert := neighbourBox.alerts()[0]
			Expect(alert.Title).To(Equal(escalation.DefaultTitle))
			Expect(alert.OriginID).To(Equal(walker.Welcome().ConnectionID))

			Eventually(func() ([]core.Alert, error) {
				return env.archive.RecentAlerts(env.ctx, 10)
			}, 5*time.Second).Should(ContainElement(HaveField("Title", escalation.DefaultTitle)))
		})

		It("sends nothing when the check is confirmed", func() {
			walker, _ := connectClient(env, "Careful")
			_, neighbourBox := connectClient(env, "Watcher")

			session := escalation.NewSession(walker.Alerter(),
				escalation.WithCountdown(3, time.Second),
			)
			Expect(session.Start(env.ctx)).To(Succeed())
			Expect(session.Confirm()).To(BeTrue())

			Consistently(neighbourBox.alerts, 500*time.Millisecond).Should(BeEmpty())
			Expect(strings.ToLower(session.State().String())).To(Equal("confirmed"))
		})
	})
})
