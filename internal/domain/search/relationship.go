package search

import "time"

// RelationshipType 实体关系类型
type RelationshipType string

const (
	RelationTaskNote     RelationshipType = "task-note"
	RelationTaskSession  RelationshipType = "task-session"
	RelationNoteSession  RelationshipType = "note-session"
	RelationNoteParent   RelationshipType = "note-parent"
	RelationTaskSubtask  RelationshipType = "task-subtask"
	RelationRelatedTo    RelationshipType = "related-to"
	RelationDuplicateOf  RelationshipType = "duplicate-of"
	RelationBlocks       RelationshipType = "blocks"
	RelationDependsOn    RelationshipType = "depends-on"
	RelationReferences   RelationshipType = "references"
	RelationSessionTopic RelationshipType = "session-topic"
)

// Bidirectional 双向关系在两个端点下都建立索引
func (t RelationshipType) Bidirectional() bool {
	switch t {
	case RelationTaskNote, RelationTaskSession, RelationNoteSession, RelationRelatedTo, RelationDuplicateOf:
		return true
	default:
		return false
	}
}

// EntityType 实体类型
type EntityType string

const (
	EntitySession EntityType = "session"
	EntityNote    EntityType = "note"
	EntityTask    EntityType = "task"
	EntityTopic   EntityType = "topic"
)

// Relationship 两个实体之间的有向关系
type Relationship struct {
	ID         string           `json:"id"`
	Type       RelationshipType `json:"type"`
	SourceType EntityType       `json:"sourceType"`
	SourceID   string           `json:"sourceId"`
	TargetType EntityType       `json:"targetType"`
	TargetID   string           `json:"targetId"`
	CreatedAt  time.Time        `json:"createdAt"`
}
