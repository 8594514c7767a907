package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/adapters/store"
	"github.com/mikey/mailsentry/internal/config"
	"github.com/mikey/mailsentry/internal/core"
)

// StoreFactory creates verdict stores based on configuration
type StoreFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(cfg *config.Config, logger *zap.Logger) *StoreFactory {
	return &StoreFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateVerdictStore creates a verdict store based on the configuration
func (f *StoreFactory) CreateVerdictStore() (core.VerdictStore, error) {
	storeType := f.cfg.GetString("store.type")

	switch storeType {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		dsn := f.cfg.GetString("store.postgres_dsn")
		return store.NewPostgresStore(dsn, f.logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}
