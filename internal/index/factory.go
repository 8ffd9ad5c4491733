package index

import (
	"fmt"

	"github.com/mruwnik/memory-sub003/internal/logging"
)

// Config selects and configures an index backend.
type Config struct {
	// Provider picks the backend: "qdrant" (default) or "chromem".
	Provider string
	Qdrant   QdrantConfig
	Chromem  ChromemConfig
}

// New creates the index client named by cfg.Provider.
//
//   - "qdrant" (default): remote cluster over gRPC, connectivity
//     verified before the client is returned
//   - "chromem": embedded store, persistent when a path is configured
func New(cfg Config, logger *logging.Logger) (Client, error) {
	switch cfg.Provider {
	case "qdrant", "":
		return NewQdrantClient(&cfg.Qdrant, logger)
	case "chromem":
		return NewChromemClient(cfg.Chromem, logger)
	default:
		return nil, fmt.Errorf("unsupported index provider: %s (supported: qdrant, chromem)", cfg.Provider)
	}
}
