package repository

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/grovhq/grov-proxy/internal/common/config"
	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/db"
)

// Provide builds the configured repository: PostgreSQL when database.url is
// set, the embedded SQLite file otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (Repository, error) {
	if strings.TrimSpace(cfg.Database.URL) != "" {
		pool, err := db.OpenPostgres(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		repo, err := NewSQL(pool)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		log.Info("Session store initialized", zap.String("backend", "postgres"))
		return repo, nil
	}

	pool, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	repo, err := NewSQL(pool)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	log.Info("Session store initialized",
		zap.String("backend", "sqlite"),
		zap.String("path", cfg.Database.Path))
	return repo, nil
}
