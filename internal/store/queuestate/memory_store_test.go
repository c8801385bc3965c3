package queuestate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/rabbit-keeper/internal/model"
	"github.com/hewenyu/rabbit-keeper/internal/store"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	status := &model.QueueStatus{
		Name:    "queue/acme/jobs",
		State:   model.QueueStateWarning,
		Updated: time.Now(),
	}
	require.NoError(t, s.Create(ctx, status))

	// 重复创建返回AlreadyExists
	err := s.Create(ctx, status)
	assert.True(t, store.IsAlreadyExists(err))

	got, err := s.Get(ctx, "queue/acme/jobs")
	require.NoError(t, err)
	assert.Equal(t, model.QueueStateWarning, got.State)

	updated, err := s.Update(ctx, "queue/acme/jobs", func(qs *model.QueueStatus) error {
		qs.State = model.QueueStateNormal
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.QueueStateNormal, updated.State)

	require.NoError(t, s.Delete(ctx, "queue/acme/jobs"))
	_, err = s.Get(ctx, "queue/acme/jobs")
	assert.True(t, store.IsNotFound(err))
}

func TestMemoryStoreDeleteUpdatedBefore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	records := []*model.QueueStatus{
		{Name: "queue/acme/stale", State: model.QueueStateWarning, Updated: now.Add(-48 * time.Hour)},
		{Name: "queue/acme/old", State: model.QueueStateNormal, Updated: now.Add(-25 * time.Hour)},
		{Name: "queue/acme/fresh", State: model.QueueStateDanger, Updated: now},
	}
	for _, record := range records {
		require.NoError(t, s.Create(ctx, record))
	}

	count, err := s.DeleteUpdatedBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = s.Get(ctx, "queue/acme/stale")
	assert.True(t, store.IsNotFound(err))
	_, err = s.Get(ctx, "queue/acme/old")
	assert.True(t, store.IsNotFound(err))

	fresh, err := s.Get(ctx, "queue/acme/fresh")
	require.NoError(t, err)
	assert.Equal(t, model.QueueStateDanger, fresh.State)
}
