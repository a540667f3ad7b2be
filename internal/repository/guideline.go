package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/domain"
)

// GuidelineRepository stores guideline trees keyed by procedure code
type GuidelineRepository struct {
	db  DBTX
	log *logrus.Logger
}

// NewGuidelineRepository creates a new guideline repository
func NewGuidelineRepository(db DBTX, logger *logrus.Logger) *GuidelineRepository {
	return &GuidelineRepository{
		db:  db,
		log: logger,
	}
}

// Get retrieves the tree for a procedure code
func (r *GuidelineRepository) Get(ctx context.Context, code string) (*domain.GuidelineTree, error) {
	query := `SELECT tree FROM guidelines WHERE procedure_code = $1`

	var treeJSON []byte
	err := r.db.QueryRow(ctx, query, code).Scan(&treeJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("guidelines for %s: %w", code, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"procedure_code": code,
			"error":          err,
		}).Error("Failed to get guidelines")
		return nil, fmt.Errorf("getting guidelines: %w", err)
	}

	var tree domain.GuidelineTree
	if err := json.Unmarshal(treeJSON, &tree); err != nil {
		return nil, fmt.Errorf("unmarshaling guideline tree: %w", err)
	}
	if tree.ProcedureCode == "" {
		tree.ProcedureCode = code
	}

	return &tree, nil
}

// Put stores the tree for a procedure code and returns the row id. When
// overwrite is false and a tree already exists, ErrAlreadyExists is returned.
func (r *GuidelineRepository) Put(ctx context.Context, code string, tree *domain.GuidelineTree, overwrite bool) (string, error) {
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("marshaling guideline tree: %w", err)
	}

	conflict := `DO NOTHING`
	if overwrite {
		conflict = `DO UPDATE SET treatment = EXCLUDED.treatment, tree = EXCLUDED.tree, updated_at = NOW()`
	}
	query := `
		INSERT INTO guidelines (id, procedure_code, treatment, tree)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (procedure_code) ` + conflict + `
		RETURNING id::text`

	var id string
	err = r.db.QueryRow(ctx, query, uuid.New(), code, tree.TreatmentName, treeJSON).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("guidelines for %s: %w", code, domain.ErrAlreadyExists)
		}
		r.log.WithFields(logrus.Fields{
			"procedure_code": code,
			"error":          err,
		}).Error("Failed to store guidelines")
		return "", fmt.Errorf("storing guidelines: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"guideline_id":   id,
		"procedure_code": code,
		"treatment":      tree.TreatmentName,
		"overwrite":      overwrite,
	}).Info("Guidelines stored successfully")

	return id, nil
}

// List returns the procedure codes that have stored guidelines
func (r *GuidelineRepository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT procedure_code FROM guidelines ORDER BY procedure_code`)
	if err != nil {
		return nil, fmt.Errorf("listing guidelines: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scanning procedure code: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating guidelines: %w", err)
	}
	return codes, nil
}
