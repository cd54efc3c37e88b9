package store

import (
	"fmt"

	"github.com/semindex/semindex/internal/config"
	semerr "github.com/semindex/semindex/internal/errors"
)

// NewVectorStore builds the configured vector backend rooted at dir.
func NewVectorStore(backend, dir string) (VectorStore, error) {
	switch backend {
	case config.VectorBackendMemory:
		return NewMemoryVectorStore(dir)
	case config.VectorBackendHNSW:
		return NewHNSWVectorStore(dir)
	case config.VectorBackendSQLite:
		return NewSQLiteVectorStore(dir)
	default:
		return nil, semerr.NewConfigError("storage.vector_backend",
			fmt.Sprintf("unknown backend %q", backend))
	}
}
