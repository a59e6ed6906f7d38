//go:build integration
// +build integration

package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainQueue "github.com/taskerino/backend/internal/domain/queue"
	"github.com/taskerino/backend/internal/domain/search"
	domainSession "github.com/taskerino/backend/internal/domain/session"
	"github.com/taskerino/backend/test/integration/framework"
)

func newSession(id string, tags []string, attachments ...string) *domainSession.Session {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	s := &domainSession.Session{
		ID:        id,
		Name:      "Integration " + id,
		Status:    domainSession.StatusCompleted,
		StartTime: start,
		Tags:      tags,
	}
	for i, hash := range attachments {
		s.Screenshots = append(s.Screenshots, domainSession.Screenshot{
			ID:           id + "-shot",
			AttachmentID: hash,
			Timestamp:    start.Add(time.Duration(i) * time.Second),
		})
	}
	return s
}

// TestSessionsSurviveRestart 会话、索引和附件引用在优雅重启后保持一致
func TestSessionsSurviveRestart(t *testing.T) {
	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			daemon, client := framework.StartDaemon(t, "restart-"+backend, framework.WithBackend(backend))

			upload, err := client.UploadAttachment("shot-1", "image/png", []byte("integration screenshot"))
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, upload.StatusCode)

			saved, err := client.SaveSession(newSession("s1", []string{"focus"}, upload.Data.Hash))
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, saved.StatusCode)

			queued, err := client.SaveSessionQueued(newSession("s2", []string{"focus"}), domainQueue.PriorityNormal)
			require.NoError(t, err)
			require.Equal(t, http.StatusAccepted, queued.StatusCode)

			require.NoError(t, daemon.Restart())

			loaded, err := client.GetSession("s2")
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, loaded.StatusCode)
			assert.Equal(t, "s2", loaded.Data.ID)

			found, err := client.Search(search.Query{Tags: []string{"focus"}})
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"s1", "s2"}, found.Data.IDs)

			report, err := client.VerifyIndexes()
			require.NoError(t, err)
			assert.True(t, report.Data.Valid)

			stats, err := client.AttachmentStats()
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Data.TotalAttachments)
		})
	}
}

// TestDeleteThenCollectGarbage 删除会话后附件失去引用并被回收
func TestDeleteThenCollectGarbage(t *testing.T) {
	_, client := framework.StartDaemon(t, "gc")

	upload, err := client.UploadAttachment("shot-1", "image/png", []byte("to be collected"))
	require.NoError(t, err)

	_, err = client.SaveSession(newSession("s1", nil, upload.Data.Hash))
	require.NoError(t, err)

	deleted, err := client.DeleteSession("s1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, deleted.StatusCode)

	gc, err := client.CollectGarbage()
	require.NoError(t, err)
	assert.Equal(t, 1, gc.Data.Deleted)

	missing, err := client.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	metrics, err := client.Metrics()
	require.NoError(t, err)
	assert.Contains(t, metrics, "taskerino_attachments_gc_deleted_total")
}
