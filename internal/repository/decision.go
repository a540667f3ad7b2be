package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/domain"
)

// DecisionRepository stores pre-authorization decisions. Decisions are
// immutable once written.
type DecisionRepository struct {
	db  DBTX
	log *logrus.Logger
}

// NewDecisionRepository creates a new decision repository
func NewDecisionRepository(db DBTX, logger *logrus.Logger) *DecisionRepository {
	return &DecisionRepository{
		db:  db,
		log: logger,
	}
}

// Put inserts a decision and returns its new id
func (r *DecisionRepository) Put(ctx context.Context, decision *domain.PreAuthorizationDecision) (string, error) {
	id := uuid.New()
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now().UTC()
	}

	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return "", fmt.Errorf("marshaling decision: %w", err)
	}

	query := `
		INSERT INTO pre_authorizations (
			id, procedure_code, exit_reason, criteria_met, decision, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)`

	_, err = r.db.Exec(ctx, query,
		id,
		decision.ProcedureCode,
		string(decision.ExitReason),
		decision.AreGuidelineCriteriaMet,
		decisionJSON,
		decision.CreatedAt,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"procedure_code": decision.ProcedureCode,
			"exit_reason":    decision.ExitReason,
			"error":          err,
		}).Error("Failed to create decision")
		return "", fmt.Errorf("creating decision: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"decision_id":    id,
		"procedure_code": decision.ProcedureCode,
		"exit_reason":    decision.ExitReason,
	}).Info("Decision created successfully")

	return id.String(), nil
}

// Get retrieves a decision by id. Malformed ids are reported as not found.
func (r *DecisionRepository) Get(ctx context.Context, id string) (*domain.PreAuthorizationDecision, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("decision %q: %w", id, domain.ErrNotFound)
	}

	query := `SELECT decision FROM pre_authorizations WHERE id = $1`

	var decisionJSON []byte
	if err := r.db.QueryRow(ctx, query, uid).Scan(&decisionJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("decision %s: %w", id, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"decision_id": id,
			"error":       err,
		}).Error("Failed to get decision")
		return nil, fmt.Errorf("getting decision: %w", err)
	}

	var decision domain.PreAuthorizationDecision
	if err := json.Unmarshal(decisionJSON, &decision); err != nil {
		return nil, fmt.Errorf("unmarshaling decision: %w", err)
	}
	decision.ID = uid.String()

	return &decision, nil
}
