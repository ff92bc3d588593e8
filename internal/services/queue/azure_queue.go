package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"

	"bank-reconciliation-backend/internal/services/azure"
)

// visibilityTimeout hides a received message while its job runs.
const visibilityTimeout = 10 * time.Minute

// AzureQueue carries job ids over Azure Queue Storage. Messages are base64
// JSON, the encoding Azure Functions queue triggers expect.
type AzureQueue struct {
	client   *azqueue.QueueClient
	interval time.Duration
	logger   *slog.Logger
}

func NewAzureQueue(serviceURL, queueName string, interval time.Duration, logger *slog.Logger) (*AzureQueue, error) {
	if serviceURL == "" {
		return nil, fmt.Errorf("QUEUE_SERVICE_URL is required for the azure queue")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	logger.Info("initializing queue service", "queue_url", serviceURL, "queue", queueName)
	var service *azqueue.ServiceClient
	if azure.IsLocal(serviceURL) {
		name, key := azure.AzuriteCredentials()
		cred, err := azqueue.NewSharedKeyCredential(name, key)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", err)
		}
		service, err = azqueue.NewServiceClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create queue service client with shared key: %w", err)
		}
	} else {
		cred, err := azure.DefaultCredential()
		if err != nil {
			return nil, fmt.Errorf("failed to create default azure credential: %w", err)
		}
		service, err = azqueue.NewServiceClient(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create queue service client: %w", err)
		}
	}

	client := service.NewQueueClient(queueName)
	if _, err := client.Create(context.Background(), nil); err != nil && !strings.Contains(err.Error(), "QueueAlreadyExists") {
		logger.Warn("failed to create queue (may already exist)", "queue", queueName, "error", err)
	}
	return &AzureQueue{client: client, interval: interval, logger: logger}, nil
}

func (q *AzureQueue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	text, err := encodeMessage(Message{JobID: jobID})
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueMessage(ctx, text, nil); err != nil {
		q.logger.Error("failed to enqueue message", "job_id", jobID, "error", err)
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	q.logger.Info("enqueued ingestion job", "job_id", jobID)
	return nil
}

func (q *AzureQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		resp, err := q.client.DequeueMessage(ctx, &azqueue.DequeueMessageOptions{
			VisibilityTimeout: to.Ptr(int32(visibilityTimeout / time.Second)),
		})
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			q.logger.Error("failed to dequeue message", "error", err)
		}
		for _, m := range resp.Messages {
			if m == nil || m.MessageText == nil || m.MessageID == nil || m.PopReceipt == nil {
				continue
			}
			id, receipt := *m.MessageID, *m.PopReceipt
			msg, err := decodeMessage(*m.MessageText)
			if err != nil {
				// poison message: drop it so it is not redelivered forever
				q.logger.Error("discarding undecodable queue message", "message_id", id, "error", err)
				if _, err := q.client.DeleteMessage(ctx, id, receipt, nil); err != nil {
					q.logger.Warn("failed to delete poison message", "message_id", id, "error", err)
				}
				continue
			}
			return Delivery{
				JobID: msg.JobID,
				Ack: func(ctx context.Context) error {
					_, err := q.client.DeleteMessage(ctx, id, receipt, nil)
					return err
				},
			}, nil
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-time.After(q.interval):
		}
	}
}

func encodeMessage(m Message) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeMessage(text string) (Message, error) {
	var m Message
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		// tolerate producers that send plain JSON
		raw = []byte(text)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decoding queue message: %w", err)
	}
	if m.JobID == uuid.Nil {
		return Message{}, fmt.Errorf("queue message has no job_id")
	}
	return m, nil
}
