package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/arbiter-labs/arbiter/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresStore persists the capsule log in PostgreSQL. Migration is
// deliberately not automatic: shared databases are migrated by the
// operator, so Migrate is a separate call.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS capsules (
		sequence_number BIGINT PRIMARY KEY,
		actor TEXT NOT NULL,
		intent JSONB NOT NULL,
		verdict JSONB NOT NULL,
		execution_outcome TEXT NOT NULL,
		prior_capsule_hash TEXT NOT NULL,
		self_hash TEXT NOT NULL,
		signature TEXT NOT NULL,
		sealed_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_capsules_actor ON capsules(actor, sequence_number DESC);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, c contracts.Capsule) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.SequenceNumber, c.Intent.Actor, string(intentJSON), string(verdictJSON),
		string(c.ExecutionOutcome), c.PriorCapsuleHash, c.SelfHash, c.Signature, c.SealedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert capsule: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, seq uint64) (*contracts.Capsule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+capsuleColumns+` FROM capsules WHERE sequence_number = $1`, seq)
	c, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) Range(ctx context.Context, from, to uint64) ([]contracts.Capsule, error) {
	if from == 0 {
		from = 1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if to == 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+capsuleColumns+` FROM capsules WHERE sequence_number >= $1 ORDER BY sequence_number ASC`, from)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+capsuleColumns+` FROM capsules WHERE sequence_number BETWEEN $1 AND $2 ORDER BY sequence_number ASC`, from, to)
	}
	if err != nil {
		return nil, err
	}
	return s.collect(rows)
}

func (s *PostgresStore) Search(ctx context.Context, q Query) ([]contracts.Capsule, error) {
	query := `SELECT ` + capsuleColumns + ` FROM capsules WHERE TRUE`
	var args []any
	if q.Actor != "" {
		args = append(args, q.Actor)
		query += fmt.Sprintf(` AND actor = $%d`, len(args))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		query += fmt.Sprintf(` AND sealed_at >= $%d`, len(args))
	}
	query += ` ORDER BY sequence_number DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return s.collect(rows)
}

func (s *PostgresStore) Head(ctx context.Context) (*contracts.Capsule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+capsuleColumns+` FROM capsules ORDER BY sequence_number DESC LIMIT 1`)
	c, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM capsules`).Scan(&n)
	return n, err
}

// scan differs from the SQLite scanner only in timestamp handling:
// lib/pq returns time.Time directly for TIMESTAMPTZ.
func (s *PostgresStore) scan(row rowScanner) (*contracts.Capsule, error) {
	var (
		c           contracts.Capsule
		intentJSON  []byte
		verdictJSON []byte
		outcome     string
	)
	if err := row.Scan(&c.SequenceNumber, &intentJSON, &verdictJSON, &outcome,
		&c.PriorCapsuleHash, &c.SelfHash, &c.Signature, &c.SealedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(intentJSON, &c.Intent); err != nil {
		return nil, fmt.Errorf("unmarshal intent for sequence %d: %w", c.SequenceNumber, err)
	}
	if err := json.Unmarshal(verdictJSON, &c.Verdict); err != nil {
		return nil, fmt.Errorf("unmarshal verdict for sequence %d: %w", c.SequenceNumber, err)
	}
	c.ExecutionOutcome = contracts.ExecutionOutcome(outcome)
	return &c, nil
}

func (s *PostgresStore) collect(rows *sql.Rows) ([]contracts.Capsule, error) {
	defer func() { _ = rows.Close() }()
	var out []contracts.Capsule
	for rows.Next() {
		c, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
