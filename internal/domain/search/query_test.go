package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOperator_Normalize(t *testing.T) {
	assert.Equal(t, OperatorOr, Operator("or").Normalize())
	assert.Equal(t, OperatorOr, OperatorOr.Normalize())
	assert.Equal(t, OperatorAnd, Operator("").Normalize())
	assert.Equal(t, OperatorAnd, Operator("xor").Normalize())
}

func TestQuery_IsEmpty(t *testing.T) {
	assert.True(t, Query{}.IsEmpty())
	assert.True(t, Query{Text: "   ", Limit: 10}.IsEmpty())
	assert.False(t, Query{Tags: []string{"work"}}.IsEmpty())
	assert.False(t, Query{DateRange: &DateRange{Start: time.Now()}}.IsEmpty())
}

func TestRelationshipType_Bidirectional(t *testing.T) {
	assert.True(t, RelationTaskNote.Bidirectional())
	assert.True(t, RelationRelatedTo.Bidirectional())
	assert.False(t, RelationBlocks.Bidirectional())
	assert.False(t, RelationNoteParent.Bidirectional())
}
