// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/citypulse/citypulse/internal/core"
	"github.com/citypulse/citypulse/internal/store"
)

// startPostgres runs a migrated PostgreSQL container and returns a pool.
func startPostgres(ctx context.Context) (*pgxpool.Pool, func(), error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
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
		return nil, nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		return nil, nil, err
	}
	if err := migrator.Up(); err != nil {
		return nil, nil, err
	}
	_ = migrator.Close()

	pool, err := store.Connect(ctx, connStr)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}
	return pool, cleanup, nil
}

var _ = Describe("PostgresArchive", func() {
	var (
		ctx     context.Context
		archive *store.PostgresArchive
		cleanup func()
	)

	BeforeEach(func() {
		ctx = context.Background()
		pool, done, err := startPostgres(ctx)
		Expect(err).NotTo(HaveOccurred())
		archive = store.NewPostgresArchive(pool)
		cleanup = done
	})

	AfterEach(func() {
		cleanup()
	})

	Describe("messages", func() {
		It("returns the newest messages of a room oldest first", func() {
			base := time.Now().UTC().Truncate(time.Microsecond)
			sender := core.NewULID()
			for i := 1; i <= 5; i++ {
				msg := core.Message{
					ID:         core.NewULID(),
					RoomID:     "evt-7",
					Seq:        uint64(i),
					SenderID:   sender,
					SenderName: "alice",
					Body:       "update",
					Timestamp:  base.Add(time.Duration(i) * time.Second),
				}
				Expect(archive.AppendMessage(ctx, msg)).To(Succeed())
			}
			Expect(archive.AppendMessage(ctx, core.Message{
				ID: core.NewULID(), RoomID: "forum", Seq: 1, SenderID: sender,
				SenderName: "alice", Body: "elsewhere", Timestamp: base,
			})).To(Succeed())

			got, err := archive.RecentMessages(ctx, "evt-7", 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(3))
			Expect([]uint64{got[0].Seq, got[1].Seq, got[2].Seq}).To(Equal([]uint64{3, 4, 5}))
			Expect(got[2].SenderID).To(Equal(sender))
		})

		It("treats re-archiving the same message as success", func() {
			msg := core.Message{
				ID: core.NewULID(), RoomID: "forum", Seq: 1, SenderID: core.SystemID,
				SenderName: "system", Body: "hello", Timestamp: time.Now(),
			}
			Expect(archive.AppendMessage(ctx, msg)).To(Succeed())
			Expect(archive.AppendMessage(ctx, msg)).To(Succeed())

			got, err := archive.RecentMessages(ctx, "forum", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))
		})
	})

	Describe("alerts", func() {
		It("stores alerts through the async writer", func() {
			writer := store.NewWriter(archive)
			alert := core.Alert{
				ID: core.NewULID(), Title: core.DefaultAlertTitle, Body: core.DefaultAlertBody,
				Topic: core.DefaultAlertTopic, OriginID: core.SystemID, Timestamp: time.Now(),
			}
			writer.ArchiveAlert(alert)
			Expect(writer.Close(ctx)).To(Succeed())

			got, err := archive.RecentAlerts(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))
			Expect(got[0].ID).To(Equal(alert.ID))
			Expect(got[0].Topic).To(Equal("sos-alerts"))
		})
	})

	It("reports connectivity", func() {
		Expect(archive.Ping(ctx)).To(Succeed())
	})
})
