package storage

import (
	"fmt"
	"time"

	"chanstore/internal/hashing"
)

// RetentionPolicy is consulted before any state is written. Returning an
// error rejects the transaction.
type RetentionPolicy interface {
	CheckRetention(id hashing.Bytes32, timestamp, retentionPeriod uint64) error
}

// CapacityPolicy is consulted before any state is written with the current
// length of the channel's cold history.
type CapacityPolicy interface {
	CheckCapacity(id hashing.Bytes32, historyLen int) error
}

// AllowAll accepts every transaction. It is the default for both policies.
type AllowAll struct{}

// CheckRetention implements RetentionPolicy.
func (AllowAll) CheckRetention(hashing.Bytes32, uint64, uint64) error { return nil }

// CheckCapacity implements CapacityPolicy.
func (AllowAll) CheckCapacity(hashing.Bytes32, int) error { return nil }

// MaxAge rejects transactions whose timestamp is older than the retention
// period relative to Now. A zero period disables the check.
type MaxAge struct {
	Now func() time.Time
}

// CheckRetention implements RetentionPolicy.
func (p MaxAge) CheckRetention(id hashing.Bytes32, timestamp, retentionPeriod uint64) error {
	if retentionPeriod == 0 {
		return nil
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	current := now().Unix()
	if current < 0 || retentionPeriod > uint64(current) {
		return nil
	}
	if timestamp < uint64(current)-retentionPeriod {
		return newError(KindTransactionTooOld,
			fmt.Sprintf("channel %s: timestamp %d is more than %ds before %d", id.Short(), timestamp, retentionPeriod, current),
			nil)
	}
	return nil
}

// MaxRecords rejects transactions once a channel's history holds Limit
// records. A zero limit disables the check.
type MaxRecords struct {
	Limit int
}

// CheckCapacity implements CapacityPolicy.
func (p MaxRecords) CheckCapacity(id hashing.Bytes32, historyLen int) error {
	if p.Limit <= 0 || historyLen < p.Limit {
		return nil
	}
	return newError(KindStorageLimitExceeded,
		fmt.Sprintf("channel %s: history holds %d records (limit %d)", id.Short(), historyLen, p.Limit),
		nil)
}
