package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the capsule log in SQLite. Intent and verdict
// bodies are stored as JSON; chain fields are first-class columns so
// verification can scan without unmarshaling.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS capsules (
		sequence_number INTEGER PRIMARY KEY,
		actor TEXT NOT NULL,
		intent JSON NOT NULL,
		verdict JSON NOT NULL,
		execution_outcome TEXT NOT NULL,
		prior_capsule_hash TEXT NOT NULL,
		self_hash TEXT NOT NULL,
		signature TEXT NOT NULL,
		sealed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_capsules_actor ON capsules(actor, sequence_number DESC);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, c contracts.Capsule) error {
	var head sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence_number) FROM capsules`).Scan(&head); err != nil {
		return fmt.Errorf("query head: %w", err)
	}
	next := uint64(1)
	if head.Valid {
		next = uint64(head.Int64) + 1
	}
	switch {
	case c.SequenceNumber < next:
		return ErrSequenceConflict
	case c.SequenceNumber > next:
		return ErrNonContiguousSeq
	}

	intentJSON, err := json.Marshal(c.Intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	verdictJSON, err := json.Marshal(c.Verdict)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capsules (sequence_number, actor, intent, verdict, execution_outcome, prior_capsule_hash, self_hash, signature, sealed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SequenceNumber, c.Intent.Actor, string(intentJSON), string(verdictJSON),
		string(c.ExecutionOutcome), c.PriorCapsuleHash, c.SelfHash, c.Signature,
		c.SealedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert capsule: %w", err)
	}
	return nil
}

const capsuleColumns = `sequence_number, intent, verdict, execution_outcome, prior_capsule_hash, self_hash, signature, sealed_at`

func (s *SQLiteStore) Get(ctx context.Context, seq uint64) (*contracts.Capsule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+capsuleColumns+` FROM capsules WHERE sequence_number = ?`, seq)
	c, err := scanCapsule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *SQLiteStore) Range(ctx context.Context, from, to uint64) ([]contracts.Capsule, error) {
	if from == 0 {
		from = 1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if to == 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+capsuleColumns+` FROM capsules WHERE sequence_number >= ? ORDER BY sequence_number ASC`, from)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+capsuleColumns+` FROM capsules WHERE sequence_number BETWEEN ? AND ? ORDER BY sequence_number ASC`, from, to)
	}
	if err != nil {
		return nil, err
	}
	return collectCapsules(rows)
}

func (s *SQLiteStore) Search(ctx context.Context, q Query) ([]contracts.Capsule, error) {
	query := `SELECT ` + capsuleColumns + ` FROM capsules WHERE 1=1`
	var args []any
	if q.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, q.Actor)
	}
	if !q.Since.IsZero() {
		query += ` AND sealed_at >= ?`
		args = append(args, q.Since.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY sequence_number DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectCapsules(rows)
}

func (s *SQLiteStore) Head(ctx context.Context) (*contracts.Capsule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+capsuleColumns+` FROM capsules ORDER BY sequence_number DESC LIMIT 1`)
	c, err := scanCapsule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *SQLiteStore) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM capsules`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapsule(row rowScanner) (*contracts.Capsule, error) {
	var (
		c           contracts.Capsule
		intentJSON  string
		verdictJSON string
		outcome     string
		sealedAt    string
	)
	if err := row.Scan(&c.SequenceNumber, &intentJSON, &verdictJSON, &outcome,
		&c.PriorCapsuleHash, &c.SelfHash, &c.Signature, &sealedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(intentJSON), &c.Intent); err != nil {
		return nil, fmt.Errorf("unmarshal intent for sequence %d: %w", c.SequenceNumber, err)
	}
	if err := json.Unmarshal([]byte(verdictJSON), &c.Verdict); err != nil {
		return nil, fmt.Errorf("unmarshal verdict for sequence %d: %w", c.SequenceNumber, err)
	}
	c.ExecutionOutcome = contracts.ExecutionOutcome(outcome)
	if t, err := time.Parse(time.RFC3339Nano, sealedAt); err == nil {
		c.SealedAt = t
	}
	return &c, nil
}

func collectCapsules(rows *sql.Rows) ([]contracts.Capsule, error) {
	defer func() { _ = rows.Close() }()
	var out []contracts.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
