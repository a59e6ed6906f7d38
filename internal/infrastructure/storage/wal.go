package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WALOperation 预写日志条目类型
type WALOperation string

const (
	WALWrite               WALOperation = "write"
	WALDelete              WALOperation = "delete"
	WALTransactionStart    WALOperation = "transaction-start"
	WALTransactionCommit   WALOperation = "transaction-commit"
	WALTransactionRollback WALOperation = "transaction-rollback"
)

// WALEntry 预写日志条目，每行一个 JSON 对象
type WALEntry struct {
	ID            string       `json:"id"`
	Timestamp     int64        `json:"timestamp"`
	Operation     WALOperation `json:"operation"`
	Collection    string       `json:"collection,omitempty"`
	Data          []byte       `json:"data,omitempty"`
	TransactionID string       `json:"transactionId,omitempty"`
}

// checkpointRecord wal.checkpoint 内容
type checkpointRecord struct {
	Timestamp        int64 `json:"timestamp"`
	EntriesTruncated int   `json:"entriesTruncated"`
}

// writeAheadLog 追加写的日志文件
type writeAheadLog struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	entries int
	// size 当前文件字节数
	size int64
	now  func() time.Time
}

func openWAL(path string, now func() time.Time) (*writeAheadLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat wal: %w", err)
	}
	return &writeAheadLog{path: path, file: file, size: info.Size(), now: now}, nil
}

// Append 追加条目并落盘
func (w *writeAheadLog) Append(entries ...WALEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.NewString()
		}
		if entries[i].Timestamp == 0 {
			entries[i].Timestamp = w.now().UnixMilli()
		}
		line, err := json.Marshal(entries[i])
		if err != nil {
			return fmt.Errorf("failed to encode wal entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append wal: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal: %w", err)
	}
	w.entries += len(entries)
	w.size += int64(buf.Len())
	return nil
}

// Stats 自上次截断以来追加的条目数和文件字节数
func (w *writeAheadLog) Stats() (entries int, size int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries, w.size
}

// Truncate 清空日志，返回被截断的条目数
func (w *writeAheadLog) Truncate() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return 0, fmt.Errorf("failed to truncate wal: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync wal: %w", err)
	}
	n := w.entries
	w.entries = 0
	w.size = 0
	return n, nil
}

// Close 关闭日志文件
func (w *writeAheadLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// readWALEntries 读取日志；无法解析的行（崩溃时写了一半）被跳过并计数
func readWALEntries(r io.Reader) ([]WALEntry, int, error) {
	var (
		entries []WALEntry
		corrupt int
	)

	// 行长度不设上限，附件内容以 base64 写在单行里
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var entry WALEntry
			if jsonErr := json.Unmarshal(line, &entry); jsonErr != nil {
				corrupt++
			} else {
				entries = append(entries, entry)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return entries, corrupt, fmt.Errorf("failed to read wal: %w", err)
		}
	}
	return entries, corrupt, nil
}

// replayPlan 决定哪些写入需要重放
// 不带事务 ID 的写入直接生效；事务内写入只有在该事务最后的标记为 commit 时才生效
type replayPlan struct {
	apply        []WALEntry
	skipped      int
	transactions int
	committed    int
	rolledBack   int
	incomplete   int
}

func planReplay(entries []WALEntry) replayPlan {
	outcome := make(map[string]WALOperation)
	var order []string
	for _, entry := range entries {
		if entry.TransactionID == "" {
			continue
		}
		if _, seen := outcome[entry.TransactionID]; !seen {
			order = append(order, entry.TransactionID)
			outcome[entry.TransactionID] = WALTransactionStart
		}
		switch entry.Operation {
		case WALTransactionCommit, WALTransactionRollback:
			outcome[entry.TransactionID] = entry.Operation
		}
	}

	var plan replayPlan
	plan.transactions = len(order)
	for _, id := range order {
		switch outcome[id] {
		case WALTransactionCommit:
			plan.committed++
		case WALTransactionRollback:
			plan.rolledBack++
		default:
			plan.incomplete++
		}
	}

	for _, entry := range entries {
		if entry.Operation != WALWrite && entry.Operation != WALDelete {
			continue
		}
		if entry.TransactionID != "" && outcome[entry.TransactionID] != WALTransactionCommit {
			plan.skipped++
			continue
		}
		plan.apply = append(plan.apply, entry)
	}
	return plan
}
