package artifact

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/internal/cache"
)

// NewStore creates a Store based on the configuration.
func NewStore(cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeFile, "":
		return NewFileStore(cfg.BaseDir)
	case StoreTypeRedis:
		manager, err := cache.NewManager(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(manager, cfg.TTL), nil
	case StoreTypeGridFS:
		return NewGridFSStore(cfg.GridFS)
	default:
		return nil, fmt.Errorf("unsupported artifact store type: %s", cfg.Type)
	}
}
