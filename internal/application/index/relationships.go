package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/taskerino/backend/internal/domain/search"
	"github.com/taskerino/backend/internal/domain/storage"
)

// RelationshipsKey 关系索引快照在存储中的键
const RelationshipsKey = "indexes/relationships"

type pairKey struct {
	source string
	target string
}

// RelationshipIndex 纯内存的实体关系索引
// 维护三个视图：按实体、按关系 ID、按 (source, target) 对，三者始终一致
type RelationshipIndex struct {
	mu       sync.RWMutex
	byID     map[string]search.Relationship
	byEntity map[string]map[string]struct{}
	byPair   map[pairKey]map[string]struct{}
}

// NewRelationshipIndex 创建空关系索引
func NewRelationshipIndex() *RelationshipIndex {
	return &RelationshipIndex{
		byID:     make(map[string]search.Relationship),
		byEntity: make(map[string]map[string]struct{}),
		byPair:   make(map[pairKey]map[string]struct{}),
	}
}

// Add 添加关系，同一 ID 重复添加返回 false
// 双向关系在两个端点下都建立索引
func (r *RelationshipIndex) Add(rel search.Relationship) (bool, error) {
	if rel.ID == "" || rel.SourceID == "" || rel.TargetID == "" {
		return false, fmt.Errorf("%w: relationship id, source and target are required", storage.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[rel.ID]; exists {
		return false, nil
	}
	r.byID[rel.ID] = rel
	for _, entity := range endpoints(rel) {
		link(r.byEntity, entity, rel.ID)
	}
	for _, pair := range pairs(rel) {
		link(r.byPair, pair, rel.ID)
	}
	return true, nil
}

// Remove 删除关系并清理全部视图，返回是否存在
func (r *RelationshipIndex) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	for _, entity := range endpoints(rel) {
		unlink(r.byEntity, entity, id)
	}
	for _, pair := range pairs(rel) {
		unlink(r.byPair, pair, id)
	}
	return true
}

// Get 按 ID 查询
func (r *RelationshipIndex) Get(id string) (search.Relationship, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rel, ok := r.byID[id]
	return rel, ok
}

// ForEntity 实体参与的全部关系（非双向关系只在源端可见）
func (r *RelationshipIndex) ForEntity(entityID string) []search.Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byEntity[entityID])
}

// Between source 到 target 的关系；双向关系两个方向都能查到
func (r *RelationshipIndex) Between(sourceID, targetID string) []search.Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byPair[pairKey{source: sourceID, target: targetID}])
}

// RemoveEntity 删除实体参与的全部关系，返回删除数量
func (r *RelationshipIndex) RemoveEntity(entityID string) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byEntity[entityID]))
	for id := range r.byEntity[entityID] {
		ids = append(ids, id)
	}
	// 非双向关系不在目标端建立索引，需要扫描
	for id, rel := range r.byID {
		if rel.TargetID == entityID && !rel.Type.Bidirectional() {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		if r.Remove(id) {
			removed++
		}
	}
	return removed
}

// Len 关系数量
func (r *RelationshipIndex) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Clear 清空
func (r *RelationshipIndex) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]search.Relationship)
	r.byEntity = make(map[string]map[string]struct{})
	r.byPair = make(map[pairKey]map[string]struct{})
}

// Snapshot 按 ID 排序序列化全部关系
func (r *RelationshipIndex) Snapshot() ([]byte, error) {
	r.mu.RLock()
	rels := make([]search.Relationship, 0, len(r.byID))
	for _, rel := range r.byID {
		rels = append(rels, rel)
	}
	r.mu.RUnlock()

	sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
	return json.Marshal(rels)
}

// Restore 用快照替换当前内容
func (r *RelationshipIndex) Restore(data []byte) error {
	var rels []search.Relationship
	if err := json.Unmarshal(data, &rels); err != nil {
		return fmt.Errorf("%w: relationship snapshot: %v", storage.ErrIntegrity, err)
	}
	fresh := NewRelationshipIndex()
	for _, rel := range rels {
		if _, err := fresh.Add(rel); err != nil {
			return fmt.Errorf("%w: relationship snapshot: %v", storage.ErrIntegrity, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID, r.byEntity, r.byPair = fresh.byID, fresh.byEntity, fresh.byPair
	return nil
}

func (r *RelationshipIndex) collect(ids map[string]struct{}) []search.Relationship {
	rels := make([]search.Relationship, 0, len(ids))
	for id := range ids {
		rels = append(rels, r.byID[id])
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
	return rels
}

func endpoints(rel search.Relationship) []string {
	if rel.Type.Bidirectional() && rel.TargetID != rel.SourceID {
		return []string{rel.SourceID, rel.TargetID}
	}
	return []string{rel.SourceID}
}

func pairs(rel search.Relationship) []pairKey {
	forward := pairKey{source: rel.SourceID, target: rel.TargetID}
	if rel.Type.Bidirectional() && rel.TargetID != rel.SourceID {
		return []pairKey{forward, {source: rel.TargetID, target: rel.SourceID}}
	}
	return []pairKey{forward}
}

func link[K comparable](view map[K]map[string]struct{}, key K, id string) {
	ids, ok := view[key]
	if !ok {
		ids = make(map[string]struct{})
		view[key] = ids
	}
	ids[id] = struct{}{}
}

func unlink[K comparable](view map[K]map[string]struct{}, key K, id string) {
	ids, ok := view[key]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(view, key)
	}
}
