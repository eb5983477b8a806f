package postgres

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/store"
)

// Store is the relational datastore adapter backed by GORM over Postgres.
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

var _ store.Store = (*Store)(nil)

func New(logg *logger.Logger) (*Store, error) {
	serviceLog := logg.With("service", "PostgresStore")

	host := env.Get("POSTGRES_HOST", "localhost", logg)
	port := env.Get("POSTGRES_PORT", "5432", logg)
	user := env.Get("POSTGRES_USER", "postgres", logg)
	password := env.Get("POSTGRES_PASSWORD", "", logg)
	name := env.Get("POSTGRES_NAME", "memoryservice", logg)

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		user,
		password,
		host,
		port,
		name,
	)

	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}

	return &Store{db: db, log: serviceLog}, nil
}

// NewWithDB wraps an existing GORM handle. Used by tests and by the
// colocated vector index, which shares the connection pool.
func NewWithDB(db *gorm.DB, logg *logger.Logger) *Store {
	return &Store{db: db, log: logg.With("service", "PostgresStore")}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translate maps driver errors onto the fault taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fault.Wrap(fault.KindNotFound, "record not found", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fault.Wrap(fault.KindConflict, "duplicate key", err)
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57"):
			return fault.Wrap(fault.KindUnavailable, "postgres unavailable", err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindUnavailable, "postgres unavailable", err)
	}
	return fault.Internal("postgres operation failed", err)
}
