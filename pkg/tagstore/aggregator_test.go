package tagstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	counts       []int
	currentTags  []*Tag
	updatedTags  []*Tag
}

func (s *recordingSink) TagCountChanged(count int) { s.counts = append(s.counts, count) }
func (s *recordingSink) CurrentTagChanged(t *Tag) {
	s.currentTags = append(s.currentTags, t)
}
func (s *recordingSink) TagUpdated(t *Tag) { s.updatedTags = append(s.updatedTags, t) }

func newTestAggregator() (*Aggregator, *FakeClock, *recordingSink) {
	clock := NewFakeClock(time.Unix(0, 0))
	sink := &recordingSink{}
	agg := New(clock, sink)
	return agg, clock, sink
}

func TestFirstBankEventCreatesCurrentTag(t *testing.T) {
	agg, _, sink := newTestAggregator()

	agg.EpcFound([]byte{1, 2, 3})

	require.NotNil(t, agg.CurrentTag())
	assert.Equal(t, []byte{1, 2, 3}, agg.CurrentTag().EPC)
	assert.Equal(t, 1, agg.TagCount())
	require.Len(t, sink.currentTags, 1)
	assert.Equal(t, []byte{1, 2, 3}, sink.currentTags[0].EPC)
}

func TestRefiningCurrentTagEmitsTagUpdated(t *testing.T) {
	agg, _, sink := newTestAggregator()

	agg.EpcFound([]byte{1, 2, 3})
	agg.TidFound([]byte{9, 9})

	require.Len(t, sink.updatedTags, 1)
	assert.Equal(t, []byte{9, 9}, sink.updatedTags[0].TID)
	assert.Equal(t, []byte{1, 2, 3}, sink.updatedTags[0].EPC)
	assert.Equal(t, 1, agg.TagCount())
}

func TestDifferentEpcWhileCurrentCreatesNewTag(t *testing.T) {
	agg, _, sink := newTestAggregator()

	agg.EpcFound([]byte{1, 1, 1})
	agg.EpcFound([]byte{2, 2, 2})

	assert.Equal(t, 2, agg.TagCount())
	require.Len(t, sink.currentTags, 2)
	assert.Equal(t, []byte{2, 2, 2}, agg.CurrentTag().EPC)
}

func TestIdenticalPayloadIsNoOp(t *testing.T) {
	agg, _, sink := newTestAggregator()

	agg.EpcFound([]byte{1, 2, 3})
	agg.EpcFound([]byte{1, 2, 3})

	assert.Empty(t, sink.updatedTags)
	assert.Equal(t, 1, agg.TagCount())
}

func TestUserFoundOutOfRangeDatagramDiscarded(t *testing.T) {
	agg, _, _ := newTestAggregator()

	agg.UserFound([]byte{1, 2}, 4)
	agg.UserFound([]byte{1, 2}, -1)

	assert.Equal(t, 0, agg.TagCount())
	assert.Nil(t, agg.CurrentTag())
}

func TestUserFoundValidDatagramStored(t *testing.T) {
	agg, _, _ := newTestAggregator()

	agg.UserFound([]byte{0xAA, 0xBB}, 2)

	cur := agg.CurrentTag()
	require.NotNil(t, cur)
	assert.Equal(t, []byte{0xAA, 0xBB}, cur.User[2])
}

func TestWatchdogExpiryClearsCurrentTagButKeepsHistory(t *testing.T) {
	agg, clock, sink := newTestAggregator()

	agg.EpcFound([]byte{1, 2, 3})
	clock.Advance(CurrentTagTimeout + time.Millisecond)

	assert.Nil(t, agg.CurrentTag())
	assert.Equal(t, 1, agg.TagCount())
	assert.Equal(t, []*Tag{nil}, sink.currentTags[len(sink.currentTags)-1:])
}

func TestWatchdogDoesNotFireBeforeTimeoutOrAfterRearm(t *testing.T) {
	agg, clock, _ := newTestAggregator()

	agg.EpcFound([]byte{1, 2, 3})
	clock.Advance(CurrentTagTimeout / 2)
	assert.NotNil(t, agg.CurrentTag())

	agg.TidFound([]byte{9})
	clock.Advance(CurrentTagTimeout / 2)
	assert.NotNil(t, agg.CurrentTag(), "rearm on the second event should have pushed the deadline out")
}

func TestDedupMergesRecordsWithSameTID(t *testing.T) {
	agg, _, _ := newTestAggregator()

	agg.TidFound([]byte{0xAA})
	agg.EpcFound([]byte{1, 1, 1})
	agg.EpcFound([]byte{2, 2, 2}) // new current tag, old one stays in history

	agg.TidFound([]byte{0xAA}) // reattaches same TID to the new current tag

	assert.Equal(t, 1, agg.TagCount())
	history := agg.History()
	require.Len(t, history, 1)
	assert.Equal(t, []byte{0xAA}, history[0].TID)
}

func TestHistoryNeverContainsTwoRecordsWithSameNonEmptyTID(t *testing.T) {
	agg, _, _ := newTestAggregator()

	agg.TidFound([]byte{0x01})
	agg.EpcFound([]byte{1})
	agg.EpcFound([]byte{2})
	agg.TidFound([]byte{0x02})
	agg.EpcFound([]byte{3})
	agg.TidFound([]byte{0x01})

	seen := map[string]bool{}
	for _, tag := range agg.History() {
		if len(tag.TID) == 0 {
			continue
		}
		key := string(tag.TID)
		assert.False(t, seen[key], "tid %x appears twice in history", tag.TID)
		seen[key] = true
	}
}

func TestClearHistoryResetsEverything(t *testing.T) {
	agg, _, sink := newTestAggregator()

	agg.EpcFound([]byte{1, 2, 3})
	agg.ClearHistory()

	assert.Equal(t, 0, agg.TagCount())
	assert.Nil(t, agg.CurrentTag())
	assert.False(t, agg.HasCurrentTag())
	assert.Equal(t, 0, sink.counts[len(sink.counts)-1])
}

func TestUserDataConcatenatesInIndexOrder(t *testing.T) {
	tag := &Tag{}
	tag.User[0] = []byte{1, 2}
	tag.User[2] = []byte{5, 6}

	got := UserData(tag)
	assert.Equal(t, []byte{1, 2, 5, 6}, got)
}
