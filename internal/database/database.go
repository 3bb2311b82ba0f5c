// Package database is the local SQLite cache of confirmed chat history and
// call records. It is a fallback for when the REST collaborator is
// unavailable, never the source of truth.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"linkup/internal/migrations"
	"linkup/internal/models"
	"linkup/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

// New opens (creating if needed) the cache at dbPath and applies migrations
func New(ctx context.Context, dbPath string) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600) // #nosec G304 - path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to ping database: %w", err))
	}
	if _, err := migrations.Apply(ctx, db); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to initialize schema: %w", err))
	}

	enc, err := newEncryptor()
	if err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to initialize encryptor: %w", err))
	}
	return &Database{db: db, encryptor: enc}, nil
}

func closeWith(db *sql.DB, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%w (close error: %v)", err, closeErr)
	}
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// SaveMessages upserts confirmed messages for a room. Pending entries are
// skipped.
func (d *Database) SaveMessages(ctx context.Context, roomID string, messages []models.Message) error {
	return withRetry(ctx, "save messages", func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, upsertMessageQuery)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		defer stmt.Close()

		for i := range messages {
			m := &messages[i]
			if m.IsPending() {
				continue
			}
			content, err := d.encryptor.encrypt(m.Content)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("failed to encrypt content: %w", err)
			}
			if _, err := stmt.ExecContext(ctx,
				roomID, m.ID, m.CorrelationID, m.SenderID, content, m.AttachmentURL,
				m.SentAt.UTC(), m.Read, m.Deleted,
			); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

// GetMessages returns up to limit most recent cached messages for a room in
// chronological order.
func (d *Database) GetMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	rows, err := d.db.QueryContext(ctx, selectMessagesQuery, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.CorrelationID, &m.SenderID, &m.Content,
			&m.AttachmentURL, &m.SentAt, &m.Read, &m.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if m.Content, err = d.encryptor.decrypt(m.Content); err != nil {
			return nil, fmt.Errorf("failed to decrypt message %s: %w", m.ID, err)
		}
		m.RoomID = roomID
		m.Delivered = true
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// selected newest first so LIMIT keeps the tail
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MarkMessageDeleted sets the soft-delete flag on a cached message
func (d *Database) MarkMessageDeleted(ctx context.Context, roomID, messageID string) error {
	return withRetry(ctx, "mark message deleted", func() error {
		_, err := d.db.ExecContext(ctx, markDeletedQuery, roomID, messageID)
		return err
	})
}

// SaveRoom records the latest known room metadata
func (d *Database) SaveRoom(ctx context.Context, room models.Room) error {
	return withRetry(ctx, "save room", func() error {
		_, err := d.db.ExecContext(ctx, upsertRoomQuery, room.ID, room.Name, room.UnreadCount)
		return err
	})
}

// GetRooms returns every cached room ordered by id
func (d *Database) GetRooms(ctx context.Context) ([]models.Room, error) {
	rows, err := d.db.QueryContext(ctx, selectRoomsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	var out []models.Room
	for rows.Next() {
		var r models.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.UnreadCount); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveCallRecord appends an ended call. Recording the same call id twice
// keeps the first record.
func (d *Database) SaveCallRecord(ctx context.Context, rec models.CallRecord) error {
	return withRetry(ctx, "save call record", func() error {
		_, err := d.db.ExecContext(ctx, insertCallQuery,
			rec.CallID, rec.RoomID, rec.CounterpartID, rec.Outgoing,
			string(rec.Status), rec.DurationSec, rec.EndedAt.UTC())
		return err
	})
}

// GetCallHistory returns a room's calls, most recent first
func (d *Database) GetCallHistory(ctx context.Context, roomID string, limit int) ([]models.CallRecord, error) {
	rows, err := d.db.QueryContext(ctx, selectCallsQuery, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query call history: %w", err)
	}
	defer rows.Close()

	var out []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		var status string
		var endedAt time.Time
		if err := rows.Scan(&rec.CallID, &rec.RoomID, &rec.CounterpartID, &rec.Outgoing,
			&status, &rec.DurationSec, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		rec.Status = models.CallStatus(status)
		rec.EndedAt = endedAt
		out = append(out, rec)
	}
	return out, rows.Err()
}
