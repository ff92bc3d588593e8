package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository/memstore"
)

func TestStoreQueueDeliversOldestQueuedJob(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	q := NewStoreQueue(store, time.Hour, nil)

	older := &models.IngestionJob{StatementID: uuid.New(), Status: models.JobQueued, QueuedAt: time.Now().Add(-time.Minute)}
	newer := &models.IngestionJob{StatementID: uuid.New(), Status: models.JobQueued, QueuedAt: time.Now()}
	require.NoError(t, store.Jobs().Create(ctx, newer))
	require.NoError(t, store.Jobs().Create(ctx, older))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, older.ID, d.JobID)
	assert.NoError(t, d.Ack(ctx))
}

func TestStoreQueueWakesOnEnqueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := memstore.New()
	q := NewStoreQueue(store, time.Hour, nil)

	got := make(chan uuid.UUID, 1)
	go func() {
		d, err := q.Receive(ctx)
		if err == nil {
			got <- d.JobID
		}
	}()

	time.Sleep(20 * time.Millisecond)
	job := &models.IngestionJob{StatementID: uuid.New(), Status: models.JobQueued, QueuedAt: time.Now()}
	require.NoError(t, store.Jobs().Create(ctx, job))
	require.NoError(t, q.Enqueue(ctx, job.ID))

	select {
	case id := <-got:
		assert.Equal(t, job.ID, id)
	case <-ctx.Done():
		t.Fatal("receiver was not woken")
	}
}

func TestStoreQueueReceiveHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStoreQueue(memstore.New(), time.Hour, nil).Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMessageEncoding(t *testing.T) {
	id := uuid.New()
	text, err := encodeMessage(Message{JobID: id})
	require.NoError(t, err)

	m, err := decodeMessage(text)
	require.NoError(t, err)
	assert.Equal(t, id, m.JobID)

	m, err = decodeMessage(`{"job_id":"` + id.String() + `"}`)
	require.NoError(t, err)
	assert.Equal(t, id, m.JobID)

	_, err = decodeMessage("e30=")
	assert.Error(t, err)
}
