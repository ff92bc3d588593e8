// Package archive keeps the raw bytes of every uploaded statement so a
// statement can be reprocessed later.
package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"bank-reconciliation-backend/internal/config"
	"bank-reconciliation-backend/internal/repository"
)

// Archive stores statement bytes by statement id.
type Archive interface {
	Put(ctx context.Context, statementID uuid.UUID, content []byte) error
	Get(ctx context.Context, statementID uuid.UUID) ([]byte, error)
}

// New returns the archive selected by cfg.Ingestion.ArchiveBackend:
// "database" (default) or "azure".
func New(cfg *config.Config, store repository.Store, logger *slog.Logger) (Archive, error) {
	switch cfg.Ingestion.ArchiveBackend {
	case "", "database":
		return store.Blobs(), nil
	case "azure":
		return NewAzureBlob(cfg.Azure.BlobServiceURL, cfg.Azure.BlobContainer, logger)
	}
	return nil, fmt.Errorf("unknown archive backend %q", cfg.Ingestion.ArchiveBackend)
}
