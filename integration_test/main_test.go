//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	pgtc "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/storage"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
)

const testSchemaName = "imbridge_it"

// PostgresSuite runs the repository and service layer against a real PostgreSQL container.
type PostgresSuite struct {
	suite.Suite
	Postgres    testcontainers.Container
	PostgresDSN string
	Repo        *storage.PostgresRepo
	Ctx         context.Context
	cancel      context.CancelFunc
}

func TestPostgresSuite(t *testing.T) {
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	s.Ctx, s.cancel = context.WithCancel(context.Background())
	logger.Log = zaptest.NewLogger(s.T()).Named("PostgresSuite")

	startTime := time.Now()
	var err error

	s.Postgres, s.PostgresDSN, err = startPostgres(s.Ctx)
	if err != nil {
		s.T().Fatalf("Failed to start postgres: %v", err)
	}

	s.Repo, err = storage.NewPostgresRepo(s.PostgresDSN, true, testSchemaName)
	if err != nil {
		s.T().Fatalf("Failed to initialize repository: %v", err)
	}

	log.Printf("PostgresSuite setup complete in %v", time.Since(startTime))
}

func (s *PostgresSuite) TearDownSuite() {
	if s.Repo != nil {
		if err := s.Repo.Close(s.Ctx); err != nil {
			s.T().Logf("Error closing repository: %v", err)
		}
	}
	if s.Postgres != nil {
		if err := s.Postgres.Terminate(s.Ctx); err != nil {
			s.T().Logf("Error terminating PostgreSQL container: %v", err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// SetupTest truncates every table so each test starts empty.
func (s *PostgresSuite) SetupTest() {
	err := truncatePostgresTables(s.Ctx, s.PostgresDSN, testSchemaName)
	s.Require().NoError(err, "Failed to truncate PostgreSQL tables")
}

func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	pgContainer, err := pgtc.Run(ctx,
		"postgres:17-bookworm",
		pgtc.WithDatabase("im_bridge"),
		pgtc.WithUsername("postgres"),
		pgtc.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return pgContainer, "", fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
	}
	return pgContainer, dsn, nil
}

func truncatePostgresTables(ctx context.Context, dsn, schemaName string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, table := range []string{"async_tasks", "message_logs", "user_bindings", "platform_configs", "employees"} {
		qualified := fmt.Sprintf("%s.%s", pq.QuoteIdentifier(schemaName), pq.QuoteIdentifier(table))
		if _, err := db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", qualified)); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", qualified, err)
		}
	}
	return nil
}

// countRows runs a COUNT(*) query with the schema name substituted for %s.
func (s *PostgresSuite) countRows(query string, args ...interface{}) int {
	db, err := sql.Open("postgres", s.PostgresDSN)
	s.Require().NoError(err)
	defer db.Close()

	var n int
	err = db.QueryRowContext(s.Ctx, fmt.Sprintf(query, pq.QuoteIdentifier(testSchemaName)), args...).Scan(&n)
	s.Require().NoError(err)
	return n
}

// exec runs a statement with the schema name substituted for %s.
func (s *PostgresSuite) exec(stmt string, args ...interface{}) {
	db, err := sql.Open("postgres", s.PostgresDSN)
	s.Require().NoError(err)
	defer db.Close()

	_, err = db.ExecContext(s.Ctx, fmt.Sprintf(stmt, pq.QuoteIdentifier(testSchemaName)), args...)
	s.Require().NoError(err)
}
