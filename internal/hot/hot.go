// Package hot implements the bounded, recency-evicted tier of the channel
// store: live channel state and the per-channel buffer of records not yet
// folded by compaction.
package hot

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"chanstore/internal/channel"
	"chanstore/internal/hashing"
	"chanstore/internal/record"
)

// Fixed capacities of the hot tier.
const (
	ActiveChannelsCapacity     = 5
	RecentTransactionsCapacity = 100
)

// Tier names passed to an EvictFunc.
const (
	TierActiveChannels     = "active_channels"
	TierRecentTransactions = "recent_transactions"
)

// EvictFunc is called when an entry is dropped to make room for another.
// Explicit removal through Take is not an eviction.
type EvictFunc func(tier string, id hashing.Bytes32)

// Tier holds both hot caches. It is not safe for concurrent use; the
// storage engine serializes access.
type Tier struct {
	active *lru.Cache[hashing.Bytes32, channel.State]
	recent *lru.Cache[hashing.Bytes32, []record.Transaction]

	onEvict EvictFunc
	taking  bool
}

// New creates a hot tier with the fixed capacities.
func New(onEvict EvictFunc) (*Tier, error) {
	return newTier(ActiveChannelsCapacity, RecentTransactionsCapacity, onEvict)
}

func newTier(activeSize, recentSize int, onEvict EvictFunc) (*Tier, error) {
	t := &Tier{onEvict: onEvict}

	active, err := lru.NewWithEvict[hashing.Bytes32, channel.State](activeSize, func(id hashing.Bytes32, _ channel.State) {
		t.evicted(TierActiveChannels, id)
	})
	if err != nil {
		return nil, fmt.Errorf("hot: create active channel cache: %w", err)
	}

	recent, err := lru.NewWithEvict[hashing.Bytes32, []record.Transaction](recentSize, func(id hashing.Bytes32, _ []record.Transaction) {
		if t.taking {
			return
		}
		t.evicted(TierRecentTransactions, id)
	})
	if err != nil {
		return nil, fmt.Errorf("hot: create recent transaction cache: %w", err)
	}

	t.active = active
	t.recent = recent
	return t, nil
}

func (t *Tier) evicted(tier string, id hashing.Bytes32) {
	if t.onEvict != nil {
		t.onEvict(tier, id)
	}
}

// PutState inserts or replaces a channel's live state and marks it most
// recently used.
func (t *Tier) PutState(id hashing.Bytes32, state channel.State) {
	t.active.Add(id, state)
}

// State returns a channel's live state and refreshes its recency.
func (t *Tier) State(id hashing.Bytes32) (channel.State, bool) {
	return t.active.Get(id)
}

// PeekState returns a channel's live state without touching recency.
func (t *Tier) PeekState(id hashing.Bytes32) (channel.State, bool) {
	return t.active.Peek(id)
}

// ActiveChannels lists channels with live state, least recently used first.
func (t *Tier) ActiveChannels() []hashing.Bytes32 {
	return t.active.Keys()
}

// Append adds tx to the channel's recent buffer, creating the buffer if
// needed, and returns the new buffer length.
func (t *Tier) Append(id hashing.Bytes32, tx record.Transaction) int {
	buf, _ := t.recent.Get(id)
	buf = append(buf, tx)
	t.recent.Add(id, buf)
	return len(buf)
}

// Recent returns a copy of the channel's recent buffer without touching recency.
func (t *Tier) Recent(id hashing.Bytes32) []record.Transaction {
	buf, ok := t.recent.Peek(id)
	if !ok {
		return nil
	}
	out := make([]record.Transaction, len(buf))
	copy(out, buf)
	return out
}

// RecentLen returns the length of the channel's recent buffer.
func (t *Tier) RecentLen(id hashing.Bytes32) int {
	buf, _ := t.recent.Peek(id)
	return len(buf)
}

// Take removes the channel's recent buffer and returns it. A missing buffer
// yields nil.
func (t *Tier) Take(id hashing.Bytes32) []record.Transaction {
	buf, ok := t.recent.Peek(id)
	if !ok {
		return nil
	}
	t.taking = true
	t.recent.Remove(id)
	t.taking = false
	return buf
}

// RecentChannels lists channels with a recent buffer, least recently used first.
func (t *Tier) RecentChannels() []hashing.Bytes32 {
	return t.recent.Keys()
}

// Len returns the number of entries held in each cache.
func (t *Tier) Len() (active, recent int) {
	return t.active.Len(), t.recent.Len()
}

// Purge drops every hot entry without reporting evictions.
func (t *Tier) Purge() {
	onEvict := t.onEvict
	t.onEvict = nil
	t.active.Purge()
	t.recent.Purge()
	t.onEvict = onEvict
}
