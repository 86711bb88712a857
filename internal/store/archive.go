// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

// Package store archives published messages and alerts in PostgreSQL.
package store

import (
	"context"
	"errors"
	"slices"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/citypulse/citypulse/internal/core"
)

// poolIface is the subset of pgxpool.Pool used by the archive.
// pgxmock.PgxPoolIface satisfies it in tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresArchive stores messages and alerts for auditing.
type PostgresArchive struct {
	pool poolIface
}

// NewPostgresArchive creates an archive over an existing pool.
func NewPostgresArchive(pool poolIface) *PostgresArchive {
	return &PostgresArchive{pool: pool}
}

// Connect opens a pool for dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "create pool").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "ping").Wrap(err)
	}
	return pool, nil
}

// Ping reports whether the database is reachable.
func (a *PostgresArchive) Ping(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return oops.With("operation", "ping archive").Wrap(err)
	}
	return nil
}

// AppendMessage stores msg. Storing the same message twice is not an error.
func (a *PostgresArchive) AppendMessage(ctx context.Context, msg core.Message) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO archived_messages (id, room_id, seq, sender_id, sender_name, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID.String(),
		msg.RoomID,
		int64(msg.Seq), //nolint:gosec // sequence numbers stay far below MaxInt64
		msg.SenderID.String(),
		msg.SenderName,
		msg.Body,
		msg.Timestamp,
	)
	if isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return oops.With("operation", "archive message").
			With("message_id", msg.ID.String()).
			With("room_id", msg.RoomID).
			Wrap(err)
	}
	return nil
}

// AppendAlert stores alert. Storing the same alert twice is not an error.
func (a *PostgresArchive) AppendAlert(ctx context.Context, alert core.Alert) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO archived_alerts (id, title, body, topic, origin_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		alert.ID.String(),
		alert.Title,
		alert.Body,
		alert.Topic,
		alert.OriginID.String(),
		alert.Timestamp,
	)
	if isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return oops.With("operation", "archive alert").
			With("alert_id", alert.ID.String()).
			Wrap(err)
	}
	return nil
}

// RecentMessages returns up to limit of the newest archived messages of a
// room, oldest first.
func (a *PostgresArchive) RecentMessages(ctx context.Context, roomID string, limit int) ([]core.Message, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT id, room_id, seq, sender_id, sender_name, body, created_at
		 FROM archived_messages WHERE room_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		roomID, limit)
	if err != nil {
		return nil, oops.With("operation", "query archived messages").With("room_id", roomID).Wrap(err)
	}
	defer rows.Close()

	messages := []core.Message{}
	for rows.Next() {
		var (
			msg          core.Message
			id, senderID string
			seq          int64
		)
		if err := rows.Scan(&id, &msg.RoomID, &seq, &senderID, &msg.SenderName, &msg.Body, &msg.Timestamp); err != nil {
			return nil, oops.With("operation", "scan archived message").Wrap(err)
		}
		if msg.ID, err = parseID(id, "id"); err != nil {
			return nil, err
		}
		if msg.SenderID, err = parseID(senderID, "sender_id"); err != nil {
			return nil, err
		}
		msg.Seq = uint64(seq) //nolint:gosec // stored from a uint64
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate archived messages").Wrap(err)
	}
	slices.Reverse(messages)
	return messages, nil
}

// RecentAlerts returns up to limit of the newest archived alerts, oldest first.
func (a *PostgresArchive) RecentAlerts(ctx context.Context, limit int) ([]core.Alert, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT id, title, body, topic, origin_id, created_at
		 FROM archived_alerts ORDER BY created_at DESC, id DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, oops.With("operation", "query archived alerts").Wrap(err)
	}
	defer rows.Close()

	alerts := []core.Alert{}
	for rows.Next() {
		var (
			alert        core.Alert
			id, originID string
		)
		if err := rows.Scan(&id, &alert.Title, &alert.Body, &alert.Topic, &originID, &alert.Timestamp); err != nil {
			return nil, oops.With("operation", "scan archived alert").Wrap(err)
		}
		if alert.ID, err = parseID(id, "id"); err != nil {
			return nil, err
		}
		if alert.OriginID, err = parseID(originID, "origin_id"); err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate archived alerts").Wrap(err)
	}
	slices.Reverse(alerts)
	return alerts, nil
}

func parseID(s, column string) (ulid.ULID, error) {
	id, err := core.ParseULID(s)
	if err != nil {
		return ulid.ULID{}, oops.Code("CORRUPT_ID").With("column", column).With("value", s).Wrap(err)
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
