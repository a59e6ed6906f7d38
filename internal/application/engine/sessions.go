package engine

import (
	"context"
	"fmt"
	"time"

	appSession "github.com/taskerino/backend/internal/application/session"
	domainAttachment "github.com/taskerino/backend/internal/domain/attachment"
	"github.com/taskerino/backend/internal/domain/events"
	domainQueue "github.com/taskerino/backend/internal/domain/queue"
	domainSession "github.com/taskerino/backend/internal/domain/session"
	"github.com/taskerino/backend/internal/domain/storage"
)

// SaveSession 保存完整会话，同步更新索引和附件引用
// 重新保存时，不再出现在会话中的附件会释放该会话的引用
func (e *Engine) SaveSession(ctx context.Context, s *domainSession.Session) (*domainSession.Metadata, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	var previous map[string]struct{}
	if s != nil && domainSession.ValidateID(s.ID) == nil {
		old, err := e.sessions.LoadFullSession(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if old != nil {
			previous = attachmentHashes(old)
		}
	}

	meta, err := e.sessions.SaveFull(ctx, s)
	if err != nil {
		return nil, err
	}

	e.syncReferences(ctx, s, previous)
	e.index.UpdateIndexes(meta)
	e.persistIndexes()
	e.publish(events.SessionSaved, s.ID)
	return meta, nil
}

// SaveSessionQueued 把会话写入交给写回队列，索引立即更新
func (e *Engine) SaveSessionQueued(ctx context.Context, s *domainSession.Session, priority domainQueue.Priority) (*domainSession.Metadata, []string, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}

	meta, ids, err := e.sessions.SaveFullQueued(ctx, s, priority)
	if err != nil {
		return nil, nil, err
	}

	e.syncReferences(ctx, s, nil)
	e.index.UpdateIndexes(meta)
	e.persistIndexes()
	e.publish(events.SessionSaved, s.ID)
	return meta, ids, nil
}

// MigrateLegacySession 把单体旧格式会话转换为分块格式并建立索引
func (e *Engine) MigrateLegacySession(ctx context.Context, legacy *domainSession.LegacySession) (*domainSession.Metadata, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if legacy == nil {
		return nil, fmt.Errorf("%w: legacy session is nil", storage.ErrValidation)
	}
	s, err := legacy.ToSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	return e.SaveSession(ctx, s)
}

// LoadSession 读取完整会话，不存在返回 nil, nil
func (e *Engine) LoadSession(ctx context.Context, id string) (*domainSession.Session, error) {
	return e.sessions.LoadFullSession(ctx, id)
}

// LoadMetadata 读取会话元数据，不存在返回 nil, nil
func (e *Engine) LoadMetadata(ctx context.Context, id string) (*domainSession.Metadata, error) {
	return e.sessions.LoadMetadata(ctx, id)
}

// ListSessions 会话摘要列表，按开始时间倒序
func (e *Engine) ListSessions(ctx context.Context) ([]domainSession.SessionSummary, error) {
	metas, err := e.sessions.ListMetadata(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]domainSession.SessionSummary, 0, len(metas))
	for _, meta := range metas {
		summaries = append(summaries, meta.Summary())
	}
	return summaries, nil
}

// AppendScreenshot 追加截图并登记附件引用
func (e *Engine) AppendScreenshot(ctx context.Context, id string, shot domainSession.Screenshot) (*domainSession.Metadata, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	meta, err := e.sessions.AppendScreenshot(ctx, id, shot)
	if err != nil {
		return nil, err
	}
	e.addReference(ctx, shot.AttachmentID, id, shot.ID)
	return meta, nil
}

// AppendAudioSegment 追加音频片段并登记附件引用
func (e *Engine) AppendAudioSegment(ctx context.Context, id string, segment domainSession.AudioSegment) (*domainSession.Metadata, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	meta, err := e.sessions.AppendAudioSegment(ctx, id, segment)
	if err != nil {
		return nil, err
	}
	e.addReference(ctx, segment.AttachmentID, id, segment.ID)
	return meta, nil
}

// AppendVideoChunk 追加视频分段并登记附件引用
func (e *Engine) AppendVideoChunk(ctx context.Context, id string, chunk domainSession.VideoChunk) (*domainSession.Metadata, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	meta, err := e.sessions.AppendVideoChunk(ctx, id, chunk)
	if err != nil {
		return nil, err
	}
	e.addReference(ctx, chunk.AttachmentID, id, chunk.ID)
	return meta, nil
}

// DeleteSession 删除会话及其索引项、关系，并释放它持有的附件引用
// 会话不存在时返回 false, nil
func (e *Engine) DeleteSession(ctx context.Context, id string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}

	full, err := e.sessions.LoadFullSession(ctx, id)
	if err != nil {
		return false, err
	}

	deleted, err := e.sessions.DeleteSession(ctx, id)
	if err != nil {
		return false, err
	}

	indexed := e.index.DeleteFromIndexes(id)
	removedRelations := e.relations.RemoveEntity(id)
	if full != nil {
		for hash := range attachmentHashes(full) {
			if err := e.cas.RemoveReference(ctx, hash, id); err != nil {
				e.logger.Warn("Failed to release attachment reference",
					"session_id", id,
					"hash", hash,
					"error", err,
				)
			}
		}
	}

	e.mu.Lock()
	if e.activeSession == id {
		e.activeSession = ""
	}
	e.mu.Unlock()

	if indexed {
		e.persistIndexes()
	}
	if removedRelations > 0 {
		e.persistRelationships()
	}
	if deleted {
		e.publish(events.SessionDeleted, id)
	}
	return deleted, nil
}

// CompressSession 压缩会话的块数据
func (e *Engine) CompressSession(ctx context.Context, id string) (*appSession.CompressionResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.sessions.CompressSession(ctx, id)
}

// syncReferences 为会话中的附件登记引用，释放 previous 中已不再使用的附件
func (e *Engine) syncReferences(ctx context.Context, s *domainSession.Session, previous map[string]struct{}) {
	for _, ref := range attachmentRefs(s) {
		e.addReference(ctx, ref.hash, s.ID, ref.localID)
		delete(previous, ref.hash)
	}
	for hash := range previous {
		if err := e.cas.RemoveReference(ctx, hash, s.ID); err != nil {
			e.logger.Warn("Failed to release attachment reference",
				"session_id", s.ID,
				"hash", hash,
				"error", err,
			)
		}
	}
}

// addReference 附件 ID 不是内容哈希（尚未迁移到内容寻址存储）时跳过
func (e *Engine) addReference(ctx context.Context, hash, sessionID, localID string) {
	if domainAttachment.ValidateHash(hash) != nil {
		return
	}
	if err := e.cas.AddReference(ctx, hash, sessionID, localID); err != nil {
		e.logger.Warn("Failed to register attachment reference",
			"session_id", sessionID,
			"hash", hash,
			"local_id", localID,
			"error", err,
		)
	}
}

type attachmentRef struct {
	hash    string
	localID string
}

func attachmentRefs(s *domainSession.Session) []attachmentRef {
	var refs []attachmentRef
	for _, shot := range s.Screenshots {
		refs = append(refs, attachmentRef{hash: shot.AttachmentID, localID: shot.ID})
	}
	for _, segment := range s.AudioSegments {
		refs = append(refs, attachmentRef{hash: segment.AttachmentID, localID: segment.ID})
	}
	for _, chunk := range s.VideoChunks {
		refs = append(refs, attachmentRef{hash: chunk.AttachmentID, localID: chunk.ID})
	}
	return refs
}

func attachmentHashes(s *domainSession.Session) map[string]struct{} {
	hashes := make(map[string]struct{})
	for _, ref := range attachmentRefs(s) {
		if domainAttachment.ValidateHash(ref.hash) == nil {
			hashes[ref.hash] = struct{}{}
		}
	}
	return hashes
}

func (e *Engine) publish(eventType events.EventType, sessionID string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(&events.StorageEvent{
		EventType: eventType,
		Key:       domainSession.MetadataKey(sessionID),
		SessionID: sessionID,
		EventTime: time.Now(),
	})
}
