package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// SchemaTables are the tables the guideline and decision repositories need
var SchemaTables = []string{"guidelines", "pre_authorizations"}

// RowQuerier is the part of a pgx pool VerifySchema needs
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// MigrationRunner brings the guideline and decision tables up to date from
// the SQL files under migrations/.
type MigrationRunner struct {
	migrate *migrate.Migrate
	log     *logrus.Logger
}

// NewMigrationRunner creates a runner for the migrations in migrationsPath
func NewMigrationRunner(databaseURL, migrationsPath string, logger *logrus.Logger) (*MigrationRunner, error) {
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating migration instance: %w", err)
	}
	m.Log = &migrateLogger{log: logger}

	return &MigrationRunner{migrate: m, log: logger}, nil
}

// Up applies pending migrations and returns the schema version reached.
// Cancelling ctx stops after the migration in progress. A schema left dirty
// by an earlier failed run is an error; it needs manual repair.
func (mr *MigrationRunner) Up(ctx context.Context) (uint, error) {
	stop := context.AfterFunc(ctx, func() { mr.migrate.GracefulStop <- true })
	defer stop()

	err := mr.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("running migrations up: %w", err)
	}

	version, dirty, verr := mr.migrate.Version()
	if verr != nil {
		return 0, fmt.Errorf("reading schema version: %w", verr)
	}
	if dirty {
		return version, fmt.Errorf("database schema is dirty at version %d", version)
	}

	entry := mr.log.WithField("version", version)
	if errors.Is(err, migrate.ErrNoChange) {
		entry.Info("Database schema is up to date")
	} else {
		entry.Info("Database migrations applied")
	}
	return version, nil
}

// Close closes the migration runner
func (mr *MigrationRunner) Close() error {
	sourceErr, dbErr := mr.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("closing migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}
	return nil
}

// VerifySchema checks that every table in SchemaTables exists, so a server
// started against an unmigrated database fails at startup rather than on
// the first request.
func VerifySchema(ctx context.Context, q RowQuerier) error {
	var missing []string
	for _, table := range SchemaTables {
		var exists bool
		if err := q.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists); err != nil {
			return fmt.Errorf("checking table %s: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("database schema is missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// migrateLogger adapts logrus to migrate.Logger
type migrateLogger struct {
	log *logrus.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf("migrate: "+strings.TrimSuffix(format, "\n"), v...)
}

func (l *migrateLogger) Verbose() bool {
	return l.log.IsLevelEnabled(logrus.DebugLevel)
}
