package db

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/downdeck-backend/internal/platform/logger"
)

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// New opens the configured database. A postgres:// DSN selects the postgres
// driver; anything else (including empty) is treated as a sqlite file path,
// the single-node default.
func New(logg *logger.Logger, dsn, dataDir string) (*Service, error) {
	serviceLog := logg.With("service", "db")

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   gormLog,
	}

	var (
		handle *gorm.DB
		err    error
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		handle, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		serviceLog.Info("connected to postgres")
	default:
		path := strings.TrimSpace(dsn)
		if path == "" {
			path = filepath.Join(dataDir, "downdeck.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		// WAL keeps readers live while the single writer commits; the busy
		// timeout covers claim contention between worker slots.
		handle, err = gorm.Open(sqlite.Open(path+"?_journal_mode=WAL&_busy_timeout=5000"), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
		}
		serviceLog.Info("opened sqlite database", "path", path)
	}

	return &Service{db: handle, log: serviceLog}, nil
}

func (s *Service) DB() *gorm.DB { return s.db }

// Ping verifies the underlying connection; used by the health endpoint.
func (s *Service) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
