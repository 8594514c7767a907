package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// PostgresStore is the PostgreSQL VerdictStore. Verdict history is
// append-only: records are only ever inserted and Current reads the
// latest row per message.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore creates a PostgreSQL verdict store and initializes its
// schema.
func NewPostgresStore(connStr string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS verdict_records (
		id UUID PRIMARY KEY,
		message_id VARCHAR(255) NOT NULL,
		score JSONB NOT NULL,
		verdict VARCHAR(16) NOT NULL,
		action VARCHAR(32) NOT NULL,
		enforced BOOLEAN NOT NULL,
		source VARCHAR(64) NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	);

	-- Backs Current and History: latest-first per message
	CREATE INDEX IF NOT EXISTS idx_verdict_message ON verdict_records(message_id, recorded_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append inserts a verdict record. Records are never updated or deleted.
func (s *PostgresStore) Append(ctx context.Context, rec *core.VerdictRecord) error {
	scoreJSON, err := json.Marshal(rec.Score)
	if err != nil {
		return fmt.Errorf("failed to marshal threat score: %w", err)
	}

	query := `
		INSERT INTO verdict_records (id, message_id, score, verdict, action, enforced, source, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.MessageID, scoreJSON, string(rec.Verdict),
		string(rec.Action), rec.Enforced, rec.Source, rec.RecordedAt,
	)
	return err
}

// Current returns the latest verdict record for a message.
func (s *PostgresStore) Current(ctx context.Context, messageID string) (*core.VerdictRecord, error) {
	query := `
		SELECT id, message_id, score, verdict, action, enforced, source, recorded_at
		FROM verdict_records
		WHERE message_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1
	`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, messageID))
	if err == sql.ErrNoRows {
		return nil, core.ErrMessageNotFound
	}
	return rec, err
}

// History returns the full verdict history for a message, oldest first.
func (s *PostgresStore) History(ctx context.Context, messageID string) ([]*core.VerdictRecord, error) {
	query := `
		SELECT id, message_id, score, verdict, action, enforced, source, recorded_at
		FROM verdict_records
		WHERE message_id = $1
		ORDER BY recorded_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*core.VerdictRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, core.ErrMessageNotFound
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*core.VerdictRecord, error) {
	rec := &core.VerdictRecord{}
	var scoreJSON []byte
	var verdict, action string

	err := row.Scan(&rec.ID, &rec.MessageID, &scoreJSON, &verdict,
		&action, &rec.Enforced, &rec.Source, &rec.RecordedAt)
	if err != nil {
		return nil, err
	}

	rec.Verdict = core.Verdict(verdict)
	rec.Action = core.Action(action)
	if err := json.Unmarshal(scoreJSON, &rec.Score); err != nil {
		return nil, fmt.Errorf("failed to unmarshal threat score: %w", err)
	}
	return rec, nil
}
