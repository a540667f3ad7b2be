// Package storage provides the embedded SQLite guideline and decision stores
// used by the single-binary deployments.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/prior-auth-server/internal/domain"
)

// dsnPragmas are applied by the driver to every connection it opens
const dsnPragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// SQLiteStore implements domain.GuidelineStore and domain.DecisionStore on a
// single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens or creates the database at dbPath and its schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time; a single connection queues
	// concurrent pipeline runs instead of failing them with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store, err := newSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.dbPath = dbPath
	return store, nil
}

func newSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS guidelines (
		id TEXT PRIMARY KEY,
		procedure_code TEXT NOT NULL UNIQUE,
		treatment TEXT NOT NULL,
		tree TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS pre_authorizations (
		id TEXT PRIMARY KEY,
		procedure_code TEXT NOT NULL,
		exit_reason TEXT NOT NULL,
		decision TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_pre_authorizations_procedure_code ON pre_authorizations(procedure_code);
	`

	_, err := db.Exec(schema)
	return err
}

// Get retrieves the guideline tree for a procedure code
func (s *SQLiteStore) Get(ctx context.Context, code string) (*domain.GuidelineTree, error) {
	var treeJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT tree FROM guidelines WHERE procedure_code = ?", code,
	).Scan(&treeJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("guidelines for %s: %w", code, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query guidelines: %w", err)
	}

	var tree domain.GuidelineTree
	if err := json.Unmarshal([]byte(treeJSON), &tree); err != nil {
		return nil, fmt.Errorf("failed to decode guideline tree: %w", err)
	}
	if tree.ProcedureCode == "" {
		tree.ProcedureCode = code
	}
	return &tree, nil
}

const (
	upsertGuidelineSQL = `
		INSERT INTO guidelines (id, procedure_code, treatment, tree, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(procedure_code) DO UPDATE SET
			treatment = excluded.treatment,
			tree = excluded.tree,
			updated_at = excluded.updated_at
		RETURNING id`

	insertGuidelineSQL = `
		INSERT INTO guidelines (id, procedure_code, treatment, tree, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(procedure_code) DO NOTHING
		RETURNING id`
)

// Put stores the guideline tree for a procedure code in one statement. An
// overwrite keeps the id of the existing row; without overwrite an existing
// code yields ErrAlreadyExists.
func (s *SQLiteStore) Put(ctx context.Context, code string, tree *domain.GuidelineTree, overwrite bool) (string, error) {
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("failed to encode guideline tree: %w", err)
	}

	query := insertGuidelineSQL
	if overwrite {
		query = upsertGuidelineSQL
	}

	now := time.Now().UTC()
	var id string
	err = s.db.QueryRowContext(ctx, query,
		uuid.New().String(), code, tree.TreatmentName, string(treeJSON), now, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("guidelines for %s: %w", code, domain.ErrAlreadyExists)
	}
	if err != nil {
		return "", fmt.Errorf("failed to store guidelines: %w", err)
	}
	return id, nil
}

// List returns the procedure codes with stored guidelines
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT procedure_code FROM guidelines ORDER BY procedure_code")
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// Decisions returns a view of the store implementing domain.DecisionStore
func (s *SQLiteStore) Decisions() *DecisionStore {
	return &DecisionStore{db: s.db}
}

// Close closes the store and releases resources
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DecisionStore is the pre-authorization decision half of SQLiteStore
type DecisionStore struct {
	db *sql.DB
}

// Put appends a decision and returns its new id
func (d *DecisionStore) Put(ctx context.Context, decision *domain.PreAuthorizationDecision) (string, error) {
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now().UTC()
	}

	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return "", fmt.Errorf("failed to encode decision: %w", err)
	}

	id := uuid.New().String()
	_, err = d.db.ExecContext(ctx,
		"INSERT INTO pre_authorizations (id, procedure_code, exit_reason, decision, created_at) VALUES (?, ?, ?, ?, ?)",
		id, decision.ProcedureCode, string(decision.ExitReason), string(decisionJSON), decision.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert decision: %w", err)
	}
	return id, nil
}

// Get retrieves a decision by id
func (d *DecisionStore) Get(ctx context.Context, id string) (*domain.PreAuthorizationDecision, error) {
	var decisionJSON string
	err := d.db.QueryRowContext(ctx,
		"SELECT decision FROM pre_authorizations WHERE id = ?", id,
	).Scan(&decisionJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decision %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query decision: %w", err)
	}

	var decision domain.PreAuthorizationDecision
	if err := json.Unmarshal([]byte(decisionJSON), &decision); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	decision.ID = id
	return &decision, nil
}

// Count returns the number of stored decisions
func (d *DecisionStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pre_authorizations").Scan(&count)
	return count, err
}
