package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domainStorage "github.com/taskerino/backend/internal/domain/storage"
)

// corruptingFS 读回备份文件时返回被篡改的内容，模拟介质故障
type corruptingFS struct {
	osFileSystem
}

func (c corruptingFS) ReadFile(name string) ([]byte, error) {
	data, err := c.osFileSystem.ReadFile(name)
	if err == nil && strings.Contains(filepath.Base(name), backupTag+".") {
		return append(data, '!'), nil
	}
	return data, err
}

// failingWriteFS 写入指定键对应的文件时失败
type failingWriteFS struct {
	osFileSystem
	failPath string
}

func (f failingWriteFS) WriteFile(name string, data []byte, perm os.FileMode) error {
	if name == f.failPath {
		return errors.New("disk write failed")
	}
	return f.osFileSystem.WriteFile(name, data, perm)
}

func initFileAdapter(t *testing.T) (*FileAdapter, string) {
	t.Helper()
	root := t.TempDir()
	a := newTestFileAdapter(t, root)
	require.NoError(t, a.Init(context.Background()))
	t.Cleanup(func() { a.Close() })
	return a, root
}

func TestFileAdapter_BackupOnOverwrite(t *testing.T) {
	ctx := context.Background()
	a, _ := initFileAdapter(t)

	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}

	require.NoError(t, a.Save(ctx, "sessions", []byte("v1")))

	backups, err := a.ListBackups("sessions")
	require.NoError(t, err)
	assert.Empty(t, backups, "首次写入无需备份")

	require.NoError(t, a.Save(ctx, "sessions", []byte("v2")))

	backups, err = a.ListBackups("sessions")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	content, err := os.ReadFile(backups[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))
	assert.True(t, strings.HasSuffix(backups[0].Path, ".backup.json"))

	t.Run("轮转只保留最近的备份", func(t *testing.T) {
		for i := 3; i <= 8; i++ {
			require.NoError(t, a.Save(ctx, "sessions", []byte{byte('0' + i)}))
		}

		backups, err := a.ListBackups("sessions")
		require.NoError(t, err)
		require.Len(t, backups, 3)

		newest, err := os.ReadFile(backups[0].Path)
		require.NoError(t, err)
		assert.Equal(t, "7", string(newest))
	})

	t.Run("备份不出现在键列表中", func(t *testing.T) {
		keys, err := a.List(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"sessions"}, keys)
	})
}

func TestFileAdapter_BackupVerificationFailure(t *testing.T) {
	ctx := context.Background()
	a, root := initFileAdapter(t)

	require.NoError(t, a.Save(ctx, "sessions", []byte("original")))

	a.fs = corruptingFS{}
	err := a.Save(ctx, "sessions", []byte("replacement"))

	require.Error(t, err)
	assert.True(t, domainStorage.IsCritical(err))
	assert.False(t, domainStorage.IsNotFound(err))
	assert.Contains(t, err.Error(), "CRITICAL")

	content, readErr := os.ReadFile(filepath.Join(root, "sessions.json"))
	require.NoError(t, readErr)
	assert.Equal(t, "original", string(content), "校验失败时不得覆盖原文件")
}

func TestFileAdapter_TransactionRestoresOnFailure(t *testing.T) {
	ctx := context.Background()
	a, root := initFileAdapter(t)

	require.NoError(t, a.Save(ctx, "tx/existing", []byte("before")))

	a.fs = failingWriteFS{failPath: keyToPath(root, "tx/broken")}

	tx, err := a.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Save("tx/existing", []byte("after")))
	require.NoError(t, tx.Save("tx/new", []byte("created")))
	require.NoError(t, tx.Save("tx/broken", []byte("boom")))

	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.True(t, domainStorage.IsTransient(err))

	a.fs = osFileSystem{}
	got, err := a.Load(ctx, "tx/existing")
	require.NoError(t, err)
	assert.Equal(t, "before", string(got))

	exists, err := a.Exists(ctx, "tx/new")
	require.NoError(t, err)
	assert.False(t, exists)

	t.Run("重放时跳过已回滚的事务", func(t *testing.T) {
		result, err := a.RecoverFromWAL(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.RolledBack)

		got, err := a.Load(ctx, "tx/existing")
		require.NoError(t, err)
		assert.Equal(t, "before", string(got))
	})
}

func writeWAL(t *testing.T, root string, entries ...WALEntry) {
	t.Helper()
	var lines []string
	for _, e := range entries {
		data, err := json.Marshal(e)
		require.NoError(t, err)
		lines = append(lines, string(data))
	}
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, walFileName), []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func TestFileAdapter_RecoverFromWAL(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		entries     []WALEntry
		wantApplied bool
		check       func(t *testing.T, r *domainStorage.RecoveryResult)
	}{
		{
			name: "提交的事务被重放",
			entries: []WALEntry{
				{ID: "1", Operation: WALTransactionStart, TransactionID: "tx1"},
				{ID: "2", Operation: WALWrite, Collection: "sessions/s1/metadata", Data: []byte(`{"id":"s1"}`), TransactionID: "tx1"},
				{ID: "3", Operation: WALTransactionCommit, TransactionID: "tx1"},
			},
			wantApplied: true,
			check: func(t *testing.T, r *domainStorage.RecoveryResult) {
				assert.Equal(t, 1, r.Committed)
				assert.Equal(t, 1, r.WritesApplied)
			},
		},
		{
			name: "回滚的事务不被重放",
			entries: []WALEntry{
				{ID: "1", Operation: WALTransactionStart, TransactionID: "tx1"},
				{ID: "2", Operation: WALWrite, Collection: "sessions/s1/metadata", Data: []byte(`{"id":"s1"}`), TransactionID: "tx1"},
				{ID: "3", Operation: WALTransactionRollback, TransactionID: "tx1"},
			},
			wantApplied: false,
			check: func(t *testing.T, r *domainStorage.RecoveryResult) {
				assert.Equal(t, 1, r.RolledBack)
				assert.Equal(t, 1, r.WritesSkipped)
			},
		},
		{
			name: "未完成的事务不被重放",
			entries: []WALEntry{
				{ID: "1", Operation: WALTransactionStart, TransactionID: "tx1"},
				{ID: "2", Operation: WALWrite, Collection: "sessions/s1/metadata", Data: []byte(`{"id":"s1"}`), TransactionID: "tx1"},
			},
			wantApplied: false,
			check: func(t *testing.T, r *domainStorage.RecoveryResult) {
				assert.Equal(t, 1, r.Incomplete)
			},
		},
		{
			name: "独立写入被重放",
			entries: []WALEntry{
				{ID: "1", Operation: WALWrite, Collection: "sessions/s1/metadata", Data: []byte(`{"id":"s1"}`)},
			},
			wantApplied: true,
			check: func(t *testing.T, r *domainStorage.RecoveryResult) {
				assert.Zero(t, r.TransactionsTotal)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeWAL(t, root, tt.entries...)

			a := newTestFileAdapter(t, root)
			require.NoError(t, a.Init(ctx))
			defer a.Close()

			result, err := a.RecoverFromWAL(ctx)
			require.NoError(t, err)
			tt.check(t, result)

			exists, err := a.Exists(ctx, "sessions/s1/metadata")
			require.NoError(t, err)
			assert.Equal(t, tt.wantApplied, exists)
		})
	}
}

func TestFileAdapter_RecoverSkipsTornLine(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	writeWAL(t, root, WALEntry{ID: "1", Operation: WALWrite, Collection: "a", Data: []byte("1")})
	f, err := os.OpenFile(filepath.Join(root, walFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"2","operation":"wri`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	a := newTestFileAdapter(t, root)
	require.NoError(t, a.Init(ctx))
	defer a.Close()

	result, err := a.RecoverFromWAL(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntriesRead)
	assert.Equal(t, 1, result.WritesApplied)
}

func TestFileAdapter_Checkpoint(t *testing.T) {
	ctx := context.Background()
	a, root := initFileAdapter(t)

	require.NoError(t, a.Save(ctx, "k1", []byte("v")))
	tx, err := a.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Save("k2", []byte("v")))
	require.NoError(t, tx.Commit(ctx))

	info, err := os.Stat(filepath.Join(root, walFileName))
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	require.NoError(t, a.Checkpoint(ctx))

	info, err = os.Stat(filepath.Join(root, walFileName))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	data, err := os.ReadFile(filepath.Join(root, checkpointFileName))
	require.NoError(t, err)
	var record checkpointRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, 6, record.EntriesTruncated)

	result, err := a.RecoverFromWAL(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.EntriesRead)
}

func TestFileAdapter_RecoverLargeEntry(t *testing.T) {
	if testing.Short() {
		t.Skip("writes a 50MiB WAL entry")
	}
	ctx := context.Background()
	root := t.TempDir()

	payload := make([]byte, 50*1024*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	a := newTestFileAdapter(t, root)
	require.NoError(t, a.Init(ctx))
	require.NoError(t, a.Save(ctx, "attachments-ca/ab/abcd/data", payload))
	// 不做检查点，模拟崩溃后留下的日志
	require.NoError(t, a.Close())

	reopened := newTestFileAdapter(t, root)
	require.NoError(t, reopened.Init(ctx))
	defer reopened.Close()

	result, err := reopened.RecoverFromWAL(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Committed)
	assert.Equal(t, 1, result.WritesApplied)

	loaded, err := reopened.Load(ctx, "attachments-ca/ab/abcd/data")
	require.NoError(t, err)
	assert.Equal(t, payload, loaded)
}

func TestReadWALEntries_LongLines(t *testing.T) {
	long := WALEntry{ID: "1", Operation: WALWrite, Collection: "k", Data: []byte(strings.Repeat("x", 256*1024))}
	line, err := json.Marshal(long)
	require.NoError(t, err)

	input := string(line) + "\n" + "not json\n" + `{"id":"2","operation":"delete","collection":"k"}`
	entries, corrupt, err := readWALEntries(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, corrupt)
	require.Len(t, entries, 2)
	assert.Len(t, entries[0].Data, 256*1024)
	assert.Equal(t, WALDelete, entries[1].Operation, "last line without newline is still read")
}

func TestFileAdapter_AutoCheckpoint(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	a := newTestFileAdapter(t, root)
	a.opts.CheckpointEntries = 5
	require.NoError(t, a.Init(ctx))
	defer a.Close()

	walPath := filepath.Join(root, walFileName)

	// 单键写入产生 start/write/commit 三条
	require.NoError(t, a.Save(ctx, "k1", []byte("v1")))
	info, err := os.Stat(walPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	require.NoError(t, a.Save(ctx, "k2", []byte("v2")))
	info, err = os.Stat(walPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	data, err := os.ReadFile(filepath.Join(root, checkpointFileName))
	require.NoError(t, err)
	var record checkpointRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, 6, record.EntriesTruncated)

	for key, want := range map[string]string{"k1": "v1", "k2": "v2"} {
		value, err := a.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte(want), value)
	}

	t.Run("按字节阈值截断", func(t *testing.T) {
		a.opts.CheckpointEntries = 0
		a.opts.CheckpointBytes = 1024
		require.NoError(t, a.Save(ctx, "big", []byte(strings.Repeat("b", 2048))))
		info, err := os.Stat(walPath)
		require.NoError(t, err)
		assert.Zero(t, info.Size())
	})
}

func TestFileAdapter_NoAutoCheckpointBeforeReplay(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeWAL(t, root,
		WALEntry{ID: "1", Operation: WALTransactionStart, TransactionID: "tx1"},
		WALEntry{ID: "2", Operation: WALWrite, Collection: "sessions/s1/metadata", Data: []byte(`{"id":"s1"}`), TransactionID: "tx1"},
		WALEntry{ID: "3", Operation: WALTransactionCommit, TransactionID: "tx1"},
	)

	a := newTestFileAdapter(t, root)
	a.opts.CheckpointEntries = 1
	require.NoError(t, a.Init(ctx))
	defer a.Close()

	require.NoError(t, a.Save(ctx, "other", []byte("v")))

	result, err := a.RecoverFromWAL(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Committed, "the earlier entries survived the write before replay")

	exists, err := a.Exists(ctx, "sessions/s1/metadata")
	require.NoError(t, err)
	assert.True(t, exists)

	// 重放之后恢复自动截断
	require.NoError(t, a.Save(ctx, "after", []byte("v")))
	info, err := os.Stat(filepath.Join(root, walFileName))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestFileAdapter_DiskSpaceGuard(t *testing.T) {
	ctx := context.Background()
	a, _ := initFileAdapter(t)

	a.opts.MinFreeBytes = 1000
	a.freeSpace = func(string) (uint64, error) { return 1100, nil }

	t.Run("空间足够", func(t *testing.T) {
		assert.NoError(t, a.Save(ctx, "small", make([]byte, 50)))
	})

	t.Run("空间不足", func(t *testing.T) {
		err := a.Save(ctx, "large", make([]byte, 100))
		assert.ErrorIs(t, err, domainStorage.ErrCapacity)

		exists, err := a.Exists(ctx, "large")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("无法获取磁盘信息时放行", func(t *testing.T) {
		a.freeSpace = func(string) (uint64, error) { return 0, errors.New("unsupported") }
		assert.NoError(t, a.Save(ctx, "large", make([]byte, 100)))
	})
}

func TestFileAdapter_DeleteRemovesBackups(t *testing.T) {
	ctx := context.Background()
	a, _ := initFileAdapter(t)

	require.NoError(t, a.Save(ctx, "sessions/s1/metadata", []byte("1")))
	require.NoError(t, a.Save(ctx, "sessions/s1/metadata", []byte("2")))
	backups, err := a.ListBackups("sessions/s1/metadata")
	require.NoError(t, err)
	require.NotEmpty(t, backups)

	require.NoError(t, a.Delete(ctx, "sessions/s1/metadata"))

	backups, err = a.ListBackups("sessions/s1/metadata")
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestPlanReplay(t *testing.T) {
	plan := planReplay([]WALEntry{
		{Operation: WALWrite, Collection: "standalone"},
		{Operation: WALTransactionStart, TransactionID: "a"},
		{Operation: WALWrite, Collection: "a1", TransactionID: "a"},
		{Operation: WALTransactionStart, TransactionID: "b"},
		{Operation: WALDelete, Collection: "b1", TransactionID: "b"},
		{Operation: WALTransactionCommit, TransactionID: "b"},
		{Operation: WALTransactionCommit, TransactionID: "a"},
		{Operation: WALTransactionRollback, TransactionID: "a"},
	})

	var applied []string
	for _, e := range plan.apply {
		applied = append(applied, e.Collection)
	}
	assert.Equal(t, []string{"standalone", "b1"}, applied)
	assert.Equal(t, 2, plan.transactions)
	assert.Equal(t, 1, plan.committed)
	assert.Equal(t, 1, plan.rolledBack)
	assert.Equal(t, 1, plan.skipped)
}
