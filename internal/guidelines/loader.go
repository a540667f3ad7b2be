// Package guidelines keeps the guideline store in sync with a directory of
// YAML decision trees, one tree per file.
package guidelines

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/prior-auth-server/internal/domain"
	"github.com/prior-auth-server/internal/service"
)

// ExpressionChecker compiles a rule expression without evaluating it
type ExpressionChecker interface {
	Check(expression string) error
}

// LoadReport summarizes a directory load
type LoadReport struct {
	Loaded  []string
	Skipped []string
	Failed  map[string]error
}

// Loader parses guideline files and upserts them into a store
type Loader struct {
	dir       string
	store     domain.GuidelineStore
	checker   ExpressionChecker
	overwrite bool
	logger    *logrus.Logger
}

// NewLoader creates a loader for dir. A nil checker skips expression checks.
func NewLoader(dir string, store domain.GuidelineStore, checker ExpressionChecker, overwrite bool, logger *logrus.Logger) *Loader {
	return &Loader{
		dir:       dir,
		store:     store,
		checker:   checker,
		overwrite: overwrite,
		logger:    logger,
	}
}

// Dir returns the watched directory
func (l *Loader) Dir() string {
	return l.dir
}

// IsGuidelineFile reports whether path has a YAML extension
func IsGuidelineFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(filepath.Base(path), ".")
}

// ParseFile reads and validates one guideline file
func (l *Loader) ParseFile(path string) (*domain.GuidelineTree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var tree domain.GuidelineTree
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, domain.NewPipelineError(domain.KindMalformedTree, fmt.Sprintf("%s is not valid YAML", filepath.Base(path)), err)
	}

	if err := Validate(&tree, l.checker); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	return &tree, nil
}

// Validate normalizes the tree's procedure code, then checks the code, the
// tree structure and every rule expression. A nil checker skips expressions.
func Validate(tree *domain.GuidelineTree, checker ExpressionChecker) error {
	tree.ProcedureCode = service.NormalizeProcedureCode(tree.ProcedureCode)
	if _, err := service.ValidateProcedureCode(tree.ProcedureCode); err != nil {
		return err
	}
	if err := tree.Validate(); err != nil {
		if pe, ok := domain.AsPipelineError(err); ok {
			return pe.WithProcedureCode(tree.ProcedureCode)
		}
		return err
	}
	if checker == nil {
		return nil
	}
	if err := checkExpressions(tree.RootCriteria, checker); err != nil {
		return err.WithProcedureCode(tree.ProcedureCode)
	}
	return nil
}

func checkExpressions(criteria []domain.Criterion, checker ExpressionChecker) *domain.PipelineError {
	for i := range criteria {
		c := &criteria[i]
		if c.Expression != "" {
			if err := checker.Check(c.Expression); err != nil {
				return domain.NewMalformedTreeError(c.ID, "criterion %s has an invalid expression: %v", c.ID, err)
			}
		}
		if err := checkExpressions(c.Children, checker); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile parses path and stores the tree. It returns false without error
// when the tree exists and the loader does not overwrite.
func (l *Loader) LoadFile(ctx context.Context, path string) (bool, error) {
	tree, err := l.ParseFile(path)
	if err != nil {
		return false, err
	}

	id, err := l.store.Put(ctx, tree.ProcedureCode, tree, l.overwrite)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return false, nil
		}
		return false, fmt.Errorf("storing %s: %w", tree.ProcedureCode, err)
	}

	l.logger.WithFields(logrus.Fields{
		"file":           filepath.Base(path),
		"procedure_code": tree.ProcedureCode,
		"guideline_id":   id,
		"criteria":       tree.CountNodes(),
	}).Info("Loaded guideline file")

	return true, nil
}

// LoadAll loads every guideline file in the directory. A bad file does not
// stop the others from loading.
func (l *Loader) LoadAll(ctx context.Context) (*LoadReport, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("reading guideline directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && IsGuidelineFile(e.Name()) {
			files = append(files, filepath.Join(l.dir, e.Name()))
		}
	}
	sort.Strings(files)

	report := &LoadReport{Failed: make(map[string]error)}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		loaded, err := l.LoadFile(ctx, path)
		name := filepath.Base(path)
		switch {
		case err != nil:
			report.Failed[name] = err
			l.logger.WithError(err).WithField("file", name).Warn("Skipping invalid guideline file")
		case loaded:
			report.Loaded = append(report.Loaded, name)
		default:
			report.Skipped = append(report.Skipped, name)
		}
	}

	l.logger.WithFields(logrus.Fields{
		"directory": l.dir,
		"loaded":    len(report.Loaded),
		"skipped":   len(report.Skipped),
		"failed":    len(report.Failed),
	}).Info("Guideline directory loaded")

	return report, nil
}
