package hot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanstore/internal/hashing"
	"chanstore/internal/record"
)

type eviction struct {
	tier string
	id   hashing.Bytes32
}

func id(b byte) hashing.Bytes32 {
	var out hashing.Bytes32
	out[0] = b
	return out
}

func newRecordingTier(t *testing.T) (*Tier, *[]eviction) {
	t.Helper()
	var evictions []eviction
	tier, err := New(func(name string, id hashing.Bytes32) {
		evictions = append(evictions, eviction{name, id})
	})
	require.NoError(t, err)
	return tier, &evictions
}

func TestActiveChannelsEvictsLeastRecentlyUsed(t *testing.T) {
	tier, evictions := newRecordingTier(t)

	for i := byte(1); i <= ActiveChannelsCapacity; i++ {
		tier.PutState(id(i), int(i))
	}
	assert.Empty(t, *evictions)

	tier.PutState(id(6), 6)

	_, ok := tier.PeekState(id(1))
	assert.False(t, ok, "oldest channel should be evicted")
	assert.Equal(t, []eviction{{TierActiveChannels, id(1)}}, *evictions)

	active, _ := tier.Len()
	assert.Equal(t, ActiveChannelsCapacity, active)
}

func TestActiveChannelsReadRefreshesRecency(t *testing.T) {
	tier, evictions := newRecordingTier(t)

	for i := byte(1); i <= ActiveChannelsCapacity; i++ {
		tier.PutState(id(i), int(i))
	}

	state, ok := tier.State(id(1))
	require.True(t, ok)
	assert.Equal(t, 1, state)

	tier.PutState(id(6), 6)

	_, ok = tier.PeekState(id(1))
	assert.True(t, ok, "touched channel should survive")
	_, ok = tier.PeekState(id(2))
	assert.False(t, ok, "second oldest channel should be evicted")
	assert.Equal(t, []eviction{{TierActiveChannels, id(2)}}, *evictions)
}

func TestPeekStateDoesNotRefresh(t *testing.T) {
	tier, _ := newRecordingTier(t)

	for i := byte(1); i <= ActiveChannelsCapacity; i++ {
		tier.PutState(id(i), int(i))
	}
	tier.PeekState(id(1))
	tier.PutState(id(6), 6)

	_, ok := tier.PeekState(id(1))
	assert.False(t, ok)
}

func TestActiveChannelsOrder(t *testing.T) {
	tier, _ := newRecordingTier(t)

	tier.PutState(id(1), "a")
	tier.PutState(id(2), "b")
	tier.State(id(1))

	assert.Equal(t, []hashing.Bytes32{id(2), id(1)}, tier.ActiveChannels())
}

func TestAppendAndTake(t *testing.T) {
	tier, evictions := newRecordingTier(t)
	ch := id(9)

	assert.Equal(t, 1, tier.Append(ch, record.Transaction{Timestamp: 1}))
	assert.Equal(t, 2, tier.Append(ch, record.Transaction{Timestamp: 2}))
	assert.Equal(t, 2, tier.RecentLen(ch))

	recent := tier.Recent(ch)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(2), recent[1].Timestamp)

	taken := tier.Take(ch)
	assert.Len(t, taken, 2)
	assert.Equal(t, 0, tier.RecentLen(ch))
	assert.Nil(t, tier.Recent(ch))
	assert.Empty(t, *evictions, "take is not an eviction")

	assert.Nil(t, tier.Take(ch))
}

func TestRecentChannelsOrder(t *testing.T) {
	tier, _ := newRecordingTier(t)

	tier.Append(id(1), record.Transaction{Timestamp: 1})
	tier.Append(id(2), record.Transaction{Timestamp: 2})
	tier.Append(id(1), record.Transaction{Timestamp: 3})
	assert.Equal(t, []hashing.Bytes32{id(2), id(1)}, tier.RecentChannels())

	tier.Take(id(2))
	assert.Equal(t, []hashing.Bytes32{id(1)}, tier.RecentChannels())
}

func TestRecentReturnsCopy(t *testing.T) {
	tier, _ := newRecordingTier(t)
	ch := id(3)
	tier.Append(ch, record.Transaction{Timestamp: 1})

	recent := tier.Recent(ch)
	recent[0].Timestamp = 99

	assert.Equal(t, uint64(1), tier.Recent(ch)[0].Timestamp)
}

func TestRecentTransactionsEviction(t *testing.T) {
	tier, evictions := newRecordingTier(t)

	for i := 0; i < RecentTransactionsCapacity; i++ {
		var ch hashing.Bytes32
		ch[0], ch[1] = byte(i), byte(i>>8)
		tier.Append(ch, record.Transaction{Timestamp: uint64(i)})
	}
	assert.Empty(t, *evictions)

	extra := id(0xff)
	extra[1] = 0xff
	tier.Append(extra, record.Transaction{})

	require.Len(t, *evictions, 1)
	assert.Equal(t, TierRecentTransactions, (*evictions)[0].tier)
	assert.Equal(t, hashing.Bytes32{}, (*evictions)[0].id)

	_, recent := tier.Len()
	assert.Equal(t, RecentTransactionsCapacity, recent)
}

func TestPurgeDoesNotReportEvictions(t *testing.T) {
	tier, evictions := newRecordingTier(t)
	tier.PutState(id(1), 1)
	tier.Append(id(1), record.Transaction{})

	tier.Purge()

	active, recent := tier.Len()
	assert.Zero(t, active)
	assert.Zero(t, recent)
	assert.Empty(t, *evictions)
}

func TestNewTierRejectsZeroCapacity(t *testing.T) {
	_, err := newTier(0, 1, nil)
	assert.Error(t, err)
}
