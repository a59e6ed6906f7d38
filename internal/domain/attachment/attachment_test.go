package attachment

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHash_Deterministic(t *testing.T) {
	a := Hash([]byte("same bytes"))
	b := Hash([]byte("same bytes"))
	c := Hash([]byte("other bytes"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, HashLength)
	assert.NoError(t, ValidateHash(a))
}

func TestKeys(t *testing.T) {
	hash := Hash([]byte("x"))

	assert.Equal(t, "attachments-ca/"+hash[:2]+"/"+hash+"/data", DataKey(hash))

	got, ok := HashFromMetadataKey(MetadataKey(hash))
	assert.True(t, ok)
	assert.Equal(t, hash, got)

	_, ok = HashFromMetadataKey(DataKey(hash))
	assert.False(t, ok)
	_, ok = HashFromMetadataKey("attachments-ca/zz/nothex/metadata")
	assert.False(t, ok)
}

func TestMetadata_References(t *testing.T) {
	now := time.Now()
	m := &Metadata{Hash: strings.Repeat("a", HashLength)}

	assert.True(t, m.AddReference("s1", "att-1", now))
	assert.False(t, m.AddReference("s1", "att-1", now), "重复引用不新增")
	assert.True(t, m.AddReference("s1", "att-2", now))
	assert.True(t, m.AddReference("s2", "att-1", now))
	assert.Len(t, m.References, 3)

	assert.Equal(t, 2, m.RemoveOwner("s1"))
	assert.True(t, m.Referenced())
	assert.Equal(t, 0, m.RemoveOwner("missing"))
	assert.Equal(t, 1, m.RemoveOwner("s2"))
	assert.False(t, m.Referenced())
}
