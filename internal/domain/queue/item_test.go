package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/taskerino/backend/internal/domain/storage"
)

func TestItem_RetryLifecycle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		priority     Priority
		wantAttempts int
	}{
		{PriorityCritical, 2},
		{PriorityNormal, 4},
		{PriorityLow, 6},
	}

	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			item := NewItem("id", 1, Request{Key: "k", Priority: tt.priority}, now)

			attempts := 0
			for {
				item.MarkProcessing(now)
				attempts++
				if item.MarkFailed(errors.New("io"), time.Second, now) {
					break
				}
				assert.Equal(t, StatusPending, item.Status)
				assert.False(t, item.ShouldProcess(now), "退避期间不应处理")
				assert.True(t, item.ShouldProcess(now.Add(time.Second)))
			}

			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, StatusFailed, item.Status)
			assert.Equal(t, "io", item.LastError)
			assert.NotNil(t, item.FinishedAt)
		})
	}
}

func TestItem_GroupKey(t *testing.T) {
	now := time.Now()

	chunkA := NewItem("1", 1, Request{Key: "a", Type: TypeChunk, SessionID: "s1"}, now)
	chunkB := NewItem("2", 2, Request{Key: "b", Type: TypeChunk, SessionID: "s1"}, now)
	chunkOther := NewItem("3", 3, Request{Key: "c", Type: TypeChunk, SessionID: "s2"}, now)
	simpleA := NewItem("4", 4, Request{Key: "d", SessionID: "s1"}, now)
	simpleB := NewItem("5", 5, Request{Key: "e", SessionID: "s1"}, now)

	assert.Equal(t, chunkA.GroupKey(), chunkB.GroupKey())
	assert.NotEqual(t, chunkA.GroupKey(), chunkOther.GroupKey())
	assert.NotEqual(t, simpleA.GroupKey(), simpleB.GroupKey())
}

func TestNewItem_Defaults(t *testing.T) {
	item := NewItem("1", 1, Request{Key: "k"}, time.Now())
	assert.Equal(t, PriorityNormal, item.Priority)
	assert.Equal(t, TypeSimple, item.Type)
	assert.Equal(t, storage.OperationSave, item.Operation)

	cleanup := NewItem("2", 2, Request{Key: "k", Type: TypeCleanup}, time.Now())
	assert.Equal(t, storage.OperationDelete, cleanup.Operation)
}

func TestRequest_Validate(t *testing.T) {
	assert.NoError(t, Request{Key: "k"}.Validate())
	assert.ErrorIs(t, Request{}.Validate(), storage.ErrValidation)
	assert.ErrorIs(t, Request{Key: "k", Priority: "urgent"}.Validate(), storage.ErrValidation)
	assert.ErrorIs(t, Request{Key: "k", Type: "blob"}.Validate(), storage.ErrValidation)
}
