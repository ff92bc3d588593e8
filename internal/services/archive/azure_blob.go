package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/google/uuid"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/services/azure"
)

// AzureBlob archives statements in an Azure Storage container.
type AzureBlob struct {
	client    *azblob.Client
	container string
	logger    *slog.Logger
	once      sync.Once
}

func NewAzureBlob(serviceURL, container string, logger *slog.Logger) (*AzureBlob, error) {
	if serviceURL == "" {
		return nil, fmt.Errorf("BLOB_SERVICE_URL is required for the azure archive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("initializing blob archive", "blob_url", serviceURL, "container", container)
	var client *azblob.Client
	if azure.IsLocal(serviceURL) {
		name, key := azure.AzuriteCredentials()
		cred, err := azblob.NewSharedKeyCredential(name, key)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", err)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob client with shared key: %w", err)
		}
	} else {
		cred, err := azure.DefaultCredential()
		if err != nil {
			return nil, fmt.Errorf("failed to create default azure credential: %w", err)
		}
		client, err = azblob.NewClient(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob client: %w", err)
		}
	}
	return &AzureBlob{client: client, container: container, logger: logger}, nil
}

func blobName(statementID uuid.UUID) string {
	return "statements/" + statementID.String()
}

func (a *AzureBlob) Put(ctx context.Context, statementID uuid.UUID, content []byte) error {
	a.once.Do(func() {
		_, err := a.client.CreateContainer(ctx, a.container, nil)
		if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			a.logger.Warn("failed to create container (may already exist)", "container", a.container, "error", err)
		}
	})

	name := blobName(statementID)
	if _, err := a.client.UploadBuffer(ctx, a.container, name, content, nil); err != nil {
		a.logger.Error("failed to upload statement", "container", a.container, "blob_name", name, "error", err)
		return fmt.Errorf("failed to upload blob %s/%s: %w", a.container, name, err)
	}
	a.logger.Info("archived statement", "statement_id", statementID, "size_bytes", len(content))
	return nil
}

func (a *AzureBlob) Get(ctx context.Context, statementID uuid.UUID) ([]byte, error) {
	name := blobName(statementID)
	resp, err := a.client.DownloadStream(ctx, a.container, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("statement %s: %w", statementID, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download blob %s/%s: %w", a.container, name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob content: %w", err)
	}
	return data, nil
}
