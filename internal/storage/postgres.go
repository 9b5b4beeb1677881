package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
)

// PostgresRepo implements the platform config, binding, message log and task repositories
// on one gorm handle scoped to a schema.
type PostgresRepo struct {
	db         *gorm.DB
	schemaName string
}

// requiredTables must exist before the repo is usable, whether or not auto-migration ran.
var requiredTables = []string{"platform_configs", "user_bindings", "message_logs", "async_tasks"}

// schemaNamer prefixes every table with the quoted schema name.
type schemaNamer struct {
	schema.NamingStrategy
	schemaName string
}

func (sn schemaNamer) TableName(table string) string {
	return fmt.Sprintf("%q.%s", sn.schemaName, table)
}

// NewPostgresRepo connects, creates the schema, optionally migrates, checks the tables and
// creates the indexes the binding and dedup rules rely on. Any failure after connecting
// closes the handle.
func NewPostgresRepo(dsn string, autoMigrate bool, schemaName string) (*PostgresRepo, error) {
	if schemaName == "" {
		schemaName = "public"
	}
	log := logger.Log.With(zap.String("schema", schemaName))

	if err := ensureSchema(dsn, schemaName); err != nil {
		return nil, err
	}

	db, err := connectWithRetry(dsn, &gorm.Config{NamingStrategy: schemaNamer{schemaName: schemaName}}, "schema "+schemaName)
	if err != nil {
		return nil, err
	}

	if autoMigrate {
		log.Info("Running auto-migration")
		if err := db.AutoMigrate(&model.PlatformConfig{}, &model.UserBinding{}, &model.MessageLog{}, &model.AsyncTask{}, &model.Employee{}); err != nil {
			// A partial migration is tolerated; the table check below decides.
			log.Error("Auto-migration reported errors", zap.Error(err))
		}
	} else {
		log.Info("Auto-migration disabled")
	}

	if err := verifyTables(db, schemaName); err != nil {
		closeGorm(db)
		return nil, err
	}
	if err := ensureIndexes(db, schemaName); err != nil {
		closeGorm(db)
		return nil, err
	}

	return &PostgresRepo{db: db, schemaName: schemaName}, nil
}

func ensureSchema(dsn, schemaName string) error {
	db, err := connectWithRetry(dsn, &gorm.Config{}, "default database")
	if err != nil {
		return err
	}
	defer closeGorm(db)

	logger.Log.Info("Ensuring PostgreSQL schema exists", zap.String("schema", schemaName))
	if err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", schemaName)).Error; err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schemaName, err)
	}
	return nil
}

// connectWithRetry waits up to a minute for the server; only transient dial errors are retried.
func connectWithRetry(dsn string, cfg *gorm.Config, target string) (*gorm.DB, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = time.Minute

	db, err := backoff.RetryNotifyWithData(
		func() (*gorm.DB, error) {
			db, err := gorm.Open(postgres.Open(dsn), cfg)
			if err != nil && !isTransientError(err) {
				return nil, backoff.Permanent(err)
			}
			return db, err
		},
		b,
		func(err error, wait time.Duration) {
			logger.Log.Warn("Retrying DB connection", zap.String("target", target), zap.Duration("after", wait), zap.Error(err))
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return db, nil
}

func closeGorm(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		logger.Log.Warn("Failed to close DB connection", zap.Error(err))
	}
}

func verifyTables(db *gorm.DB, schemaName string) error {
	for _, table := range requiredTables {
		exists, err := tableExists(db, schemaName, table)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("table %q does not exist in schema %s; enable auto-migration or run migrations", table, schemaName)
		}
	}
	return nil
}

func tableExists(db *gorm.DB, schemaName, tableName string) (bool, error) {
	var exists bool
	err := db.Raw(`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = ? AND table_name = ?)`, schemaName, tableName).
		Scan(&exists).Error
	if err != nil {
		return false, fmt.Errorf("failed to check if table %s exists in schema %s: %w", tableName, schemaName, err)
	}
	return exists, nil
}

type indexSpec struct {
	name    string
	unique  bool
	table   string
	columns string
	where   string
}

// indexes in creation order. The partial unique ones enforce one BOUND binding per platform
// identity, one PENDING row per code, and one message row per external id and direction.
var indexes = []indexSpec{
	{"uq_user_bindings_identity", true, "user_bindings", "platform, platform_user_id", "status = 'BOUND'"},
	{"uq_user_bindings_pending_code", true, "user_bindings", "binding_code", "status = 'PENDING'"},
	{"uq_message_logs_external", true, "message_logs", "platform, external_message_id, direction", ""},
	{"idx_message_logs_pending", false, "message_logs", "created_at, id", "status = 'RECEIVED' AND direction = 'IN'"},
	{"idx_message_logs_processing", false, "message_logs", "claimed_at", "status = 'PROCESSING'"},
	{"idx_message_logs_history", false, "message_logs", "platform, external_user_id, created_at DESC", ""},
	{"idx_async_tasks_dequeue", false, "async_tasks", "priority, created_at", "status = 'PENDING'"},
}

func (ix indexSpec) ddl(schemaName string) string {
	var b strings.Builder
	b.WriteString("CREATE ")
	if ix.unique {
		b.WriteString("UNIQUE ")
	}
	fmt.Fprintf(&b, "INDEX IF NOT EXISTS %s ON %q.%s (%s)", ix.name, schemaName, ix.table, ix.columns)
	if ix.where != "" {
		b.WriteString(" WHERE " + ix.where)
	}
	return b.String()
}

func ensureIndexes(db *gorm.DB, schemaName string) error {
	for _, ix := range indexes {
		if err := db.Exec(ix.ddl(schemaName)).Error; err != nil {
			logger.Log.Error("Failed to create index", zap.String("index", ix.name), zap.Error(err))
			return fmt.Errorf("failed to create index %s: %w", ix.name, err)
		}
	}
	return nil
}

// Ping is the readiness check for the database.
func (r *PostgresRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

func (r *PostgresRepo) Close(ctx context.Context) error {
	log := logger.FromContext(ctx)
	sqlDB, err := r.db.DB()
	if err != nil {
		log.Warn("No SQL handle to close", zap.Error(err))
		return nil
	}
	if err := sqlDB.Close(); err != nil {
		log.Error("Failed to close database connection", zap.Error(err))
		return fmt.Errorf("failed to close SQL DB: %w", err)
	}
	log.Info("Database connection closed")
	return nil
}
