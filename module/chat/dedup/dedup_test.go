package dedup

import (
	"strconv"
	"testing"

	"PPSync/module/chat/model"

	"github.com/stretchr/testify/assert"
)

func TestKeyTolerance(t *testing.T) {
	base := model.Message{ID: "m-1", ConversationID: "c1", SenderID: "u1", Content: "hello"}

	padded := base
	padded.Content = "  hello\n"
	assert.Equal(t, Key(base), Key(padded))

	renamed := base
	renamed.SenderName = "Alice"
	assert.Equal(t, Key(base), Key(renamed), "display metadata is not part of the key")

	other := base
	other.ID = "m-2"
	assert.NotEqual(t, Key(base), Key(other))

	// field boundaries must not collide
	a := model.Message{ID: "ab", ConversationID: "c"}
	b := model.Message{ID: "a", ConversationID: "bc"}
	assert.NotEqual(t, Key(a), Key(b))
}

func TestSeenOnce(t *testing.T) {
	d := New(Conf{})
	assert.False(t, d.SeenOnce("k"))
	assert.True(t, d.SeenOnce("k"))
	assert.True(t, d.Seen("k"))
	assert.Equal(t, 1, d.Len())
}

func TestEvictsOldestShare(t *testing.T) {
	d := New(Conf{Cap: 10, EvictRatio: 0.4})
	for i := 0; i < 10; i++ {
		d.Record(strconv.Itoa(i))
	}
	assert.Equal(t, 10, d.Len())

	d.Record("10") // 11 keys > cap: drop int(11*0.4) = 4 oldest
	assert.Equal(t, 7, d.Len())
	for i := 0; i < 4; i++ {
		assert.False(t, d.Seen(strconv.Itoa(i)), "key %d should be evicted", i)
	}
	for i := 4; i <= 10; i++ {
		assert.True(t, d.Seen(strconv.Itoa(i)), "key %d should be kept", i)
	}
}

func TestDefaultCapBounded(t *testing.T) {
	d := New(Conf{})
	for i := 0; i < 5000; i++ {
		d.Record(strconv.Itoa(i))
	}
	assert.LessOrEqual(t, d.Len(), 500)
	assert.True(t, d.Seen("4999"))
}

func TestRecordIdempotentAndReset(t *testing.T) {
	d := New(Conf{Cap: 3})
	d.Record("a")
	d.Record("a")
	assert.Equal(t, 1, d.Len())
	d.Reset()
	assert.Equal(t, 0, d.Len())
	assert.False(t, d.Seen("a"))
}

var _ Store = (*Deduper)(nil)
