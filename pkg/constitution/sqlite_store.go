package constitution

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists constitutions keyed by version.
// Supports point lookups and range scans over versions.
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
	CREATE TABLE IF NOT EXISTS constitutions (
		version INTEGER PRIMARY KEY,
		rules JSON NOT NULL,
		effective_from DATETIME NOT NULL,
		effective_until DATETIME,
		intent_schema TEXT NOT NULL DEFAULT ''
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Publish(ctx context.Context, c contracts.Constitution) error {
	if err := validate(c); err != nil {
		return err
	}

	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM constitutions`).Scan(&latest); err != nil {
		return fmt.Errorf("query latest version: %w", err)
	}
	if latest.Valid && c.Version <= uint64(latest.Int64) {
		return ErrVersionConflict
	}

	rulesJSON, err := json.Marshal(c.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	var until any
	if c.EffectiveUntil != nil {
		until = c.EffectiveUntil.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO constitutions (version, rules, effective_from, effective_until, intent_schema) VALUES (?, ?, ?, ?, ?)`,
		c.Version, string(rulesJSON), c.EffectiveFrom.UTC().Format(time.RFC3339Nano), until, c.IntentSchema,
	)
	if err != nil {
		return fmt.Errorf("insert constitution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, version uint64) (*contracts.Constitution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, rules, effective_from, effective_until, intent_schema FROM constitutions WHERE version = ?`, version)
	c, err := scanConstitution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	return c, err
}

func (s *SQLiteStore) ActiveAt(ctx context.Context, t time.Time) (*contracts.Constitution, error) {
	ts := t.UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx, `
		SELECT version, rules, effective_from, effective_until, intent_schema
		FROM constitutions
		WHERE effective_from <= ? AND (effective_until IS NULL OR effective_until > ?)
		ORDER BY version DESC
		LIMIT 1`, ts, ts)
	c, err := scanConstitution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveVersion
	}
	return c, err
}

func (s *SQLiteStore) Versions(ctx context.Context) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM constitutions ORDER BY version ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []uint64
	for rows.Next() {
		var v uint64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConstitution(row rowScanner) (*contracts.Constitution, error) {
	var (
		version   uint64
		rulesJSON string
		from      string
		until     sql.NullString
		schema    string
	)
	if err := row.Scan(&version, &rulesJSON, &from, &until, &schema); err != nil {
		return nil, err
	}

	var rules []contracts.Rule
	if err := json.Unmarshal([]byte(rulesJSON), &rules); err != nil {
		return nil, fmt.Errorf("unmarshal rules for version %d: %w", version, err)
	}

	c := &contracts.Constitution{
		Version:      version,
		Rules:        rules,
		IntentSchema: schema,
	}
	if t, err := time.Parse(time.RFC3339Nano, from); err == nil {
		c.EffectiveFrom = t
	}
	if until.Valid && until.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, until.String); err == nil {
			c.EffectiveUntil = &t
		}
	}
	return c, nil
}
