// Package storage implements the hybrid hot/cold channel store: bounded
// recency caches in front of unbounded per-channel history, with compaction
// of buffered records into summaries and Merkle roots binding each record to
// the history before it.
package storage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chanstore/internal/channel"
	"chanstore/internal/cold"
	"chanstore/internal/hashing"
	"chanstore/internal/hot"
	"chanstore/internal/merkle"
	"chanstore/internal/metadata"
	"chanstore/internal/metrics"
	"chanstore/internal/record"
)

// Config holds the engine's tunables.
type Config struct {
	// CompressionThreshold is the hot buffer length that triggers compaction.
	CompressionThreshold int

	// RetentionPeriod in seconds is handed to the retention policy.
	RetentionPeriod uint64
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.CompressionThreshold <= 0 {
		return fmt.Errorf("%w: compression threshold must be positive, got %d", ErrInvalidConfig, c.CompressionThreshold)
	}
	return nil
}

// Stats is a point-in-time view of the engine's tiers.
type Stats struct {
	ActiveChannels       int    `json:"active_channels"`
	RecentBuffers        int    `json:"recent_buffers"`
	PendingRecords       int    `json:"pending_records"`
	ColdChannels         int    `json:"cold_channels"`
	ColdRecords          int    `json:"cold_records"`
	CommittedRoots       int    `json:"committed_roots"`
	CompressionThreshold int    `json:"compression_threshold"`
	RetentionPeriod      uint64 `json:"retention_period"`
	HashAlgorithm        string `json:"hash_algorithm"`
}

// Engine is the channel store. All methods are safe for concurrent use; each
// call holds one engine-wide lock for its whole duration.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	hot  *hot.Tier
	cold *cold.Store

	hasher    hashing.Hasher
	encoder   metadata.Encoder
	sink      Sink
	retention RetentionPolicy
	capacity  CapacityPolicy
	logger    *slog.Logger
	metrics   *metrics.EngineMetrics
}

// New creates an engine with empty tiers.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		cold:      cold.New(),
		hasher:    hashing.Default(),
		encoder:   metadata.JSONEncoder{},
		sink:      NopSink{},
		retention: AllowAll{},
		capacity:  AllowAll{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewEngineMetrics(nil)
	}
	e.logger = e.logger.With("component", "storage")

	tier, err := hot.New(e.onEvict)
	if err != nil {
		return nil, err
	}
	e.hot = tier

	return e, nil
}

func (e *Engine) onEvict(tier string, id hashing.Bytes32) {
	e.metrics.RecordEviction(tier)
	e.logger.Debug("hot tier eviction", "tier", tier, "channel", id.Short())
}

// StoreTransaction records one state transition for a channel. The metadata
// is serialized and digested, the policies are consulted and the sink is
// given the resulting commit before any in-memory state changes. On success
// the channel's cold history grows by one record, plus a compaction summary
// when the hot buffer reaches the compression threshold.
func (e *Engine) StoreTransaction(id, oldCommitment, newCommitment hashing.Bytes32, proof channel.Proof, meta any) error {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.storeLocked(id, oldCommitment, newCommitment, proof, meta); err != nil {
		e.metrics.RejectedTransactions.Inc()
		e.logger.Warn("transaction rejected", "channel", id.Short(), "error", err)
		return err
	}
	e.metrics.StoreDuration.Since(start)
	return nil
}

// StoreEvent is StoreTransaction for a decoded channel event.
func (e *Engine) StoreEvent(ev channel.Event) error {
	return e.StoreTransaction(ev.ChannelID, ev.OldCommitment, ev.NewCommitment, ev.Proof, ev.Metadata)
}

func (e *Engine) storeLocked(id, oldCommitment, newCommitment hashing.Bytes32, proof channel.Proof, meta any) error {
	if proof == nil {
		return otherf("channel %s: missing proof", id.Short())
	}

	encoded, err := e.encoder.Encode(meta)
	if err != nil {
		return newError(KindOther, "serialize metadata", err)
	}

	timestamp := proof.Timestamp()
	if err := e.retention.CheckRetention(id, timestamp, e.cfg.RetentionPeriod); err != nil {
		return asStorageError(err, "retention policy")
	}
	historyLen := e.cold.Len(id)
	if err := e.capacity.CheckCapacity(id, historyLen); err != nil {
		return asStorageError(err, "capacity policy")
	}

	root := e.cold.ChannelRoot(e.hasher, id)
	tx := record.Transaction{
		Timestamp:     timestamp,
		OldCommitment: oldCommitment,
		NewCommitment: newCommitment,
		MetadataHash:  e.hasher.Digest(encoded),
		MerkleRoot:    root,
	}

	commit := &Commit{ChannelID: id, Seq: uint64(historyLen), Record: &tx}
	if e.hot.RecentLen(id)+1 >= e.cfg.CompressionThreshold {
		batch := append(e.hot.Recent(id), tx)
		summary, _ := record.Summarize(e.hasher, batch, root)
		commit.Summary = &summary
		commit.Batch = batch
	}

	if err := e.persist(commit); err != nil {
		return err
	}

	e.hot.Append(id, tx)
	if commit.Summary != nil {
		e.hot.Take(id)
		e.compacted(commit)
	}
	e.cold.Append(id, commit.Appended()...)

	e.metrics.TransactionsStored.Inc()
	e.updateColdGauges()
	e.logger.Debug("transaction stored",
		"channel", id.Short(),
		"timestamp", timestamp,
		"history_len", e.cold.Len(id),
	)
	return nil
}

// Compact folds the channel's hot buffer into one summary record appended to
// cold history. A missing or empty buffer is a no-op.
func (e *Engine) Compact(id hashing.Bytes32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	batch := e.hot.Recent(id)
	summary, ok := record.Summarize(e.hasher, batch, e.cold.ChannelRoot(e.hasher, id))
	if !ok {
		return nil
	}

	commit := &Commit{
		ChannelID: id,
		Seq:       uint64(e.cold.Len(id)),
		Summary:   &summary,
		Batch:     batch,
	}
	if err := e.persist(commit); err != nil {
		return err
	}

	e.hot.Take(id)
	e.cold.Append(id, summary)
	e.compacted(commit)
	e.updateColdGauges()
	return nil
}

func (e *Engine) persist(c *Commit) error {
	if err := e.sink.Persist(c); err != nil {
		e.metrics.SinkFailures.Inc()
		return newError(KindOther, fmt.Sprintf("channel %s: persist", c.ChannelID.Short()), err)
	}
	return nil
}

func (e *Engine) compacted(c *Commit) {
	e.metrics.RecordCompaction(len(c.Batch))
	e.logger.Info("channel compacted",
		"channel", c.ChannelID.Short(),
		"records", len(c.Batch),
		"old_commitment", c.Summary.OldCommitment.Short(),
		"new_commitment", c.Summary.NewCommitment.Short(),
	)
}

func (e *Engine) updateColdGauges() {
	e.metrics.SetCold(e.cold.Records(), e.cold.ChannelCount())
}

// ChannelRoot returns the Merkle root over the channel's history, or the
// zero value for an unknown channel.
func (e *Engine) ChannelRoot(id hashing.Bytes32) hashing.Bytes32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cold.ChannelRoot(e.hasher, id)
}

// History returns a copy of the channel's cold history, oldest first.
func (e *Engine) History(id hashing.Bytes32) []record.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cold.History(id)
}

// RecentTransactions returns a copy of the channel's hot buffer.
func (e *Engine) RecentTransactions(id hashing.Bytes32) []record.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hot.Recent(id)
}

// Channels lists every channel with cold history.
func (e *Engine) Channels() []hashing.Bytes32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cold.Channels()
}

// PutChannelState caches a channel's live state in the active tier.
func (e *Engine) PutChannelState(id hashing.Bytes32, state channel.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hot.PutState(id, state)
}

// ChannelState returns a channel's cached live state and marks it recently
// used.
func (e *Engine) ChannelState(id hashing.Bytes32) (channel.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hot.State(id)
}

// ActiveChannels lists channels with cached state, least recently used first.
func (e *Engine) ActiveChannels() []hashing.Bytes32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hot.ActiveChannels()
}

// CommitRoot records the channel's current root in the committed root index
// and returns it.
func (e *Engine) CommitRoot(id hashing.Bytes32) (hashing.Bytes32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cold.Has(id) {
		return hashing.Zero, newError(KindOther, "commit root", fmt.Errorf("%w: %s", ErrUnknownChannel, id))
	}

	root := e.cold.ChannelRoot(e.hasher, id)
	if err := e.sink.CommitRoot(id, root); err != nil {
		e.metrics.SinkFailures.Inc()
		return hashing.Zero, newError(KindOther, fmt.Sprintf("channel %s: commit root", id.Short()), err)
	}
	e.cold.SetCommittedRoot(id, root)
	e.logger.Info("root committed", "channel", id.Short(), "root", root.Short())
	return root, nil
}

// CommittedRoot returns the last root committed for the channel.
func (e *Engine) CommittedRoot(id hashing.Bytes32) (hashing.Bytes32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cold.CommittedRoot(id)
}

// VerifyHistory checks that every record in the channel's history embeds
// the root of the records before it.
func (e *Engine) VerifyHistory(id hashing.Bytes32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cold.Has(id) {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	if i := cold.FirstMismatch(e.hasher, e.cold.History(id)); i >= 0 {
		return fmt.Errorf("%w: channel %s record %d", ErrRootMismatch, id.Short(), i)
	}
	return nil
}

// ProveRecord returns an inclusion proof for the index-th record's root
// against the channel's current root.
func (e *Engine) ProveRecord(id hashing.Bytes32, index int) (*merkle.Proof, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	history := e.cold.History(id)
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	return merkle.Prove(e.hasher, record.Roots(history), index)
}

// Hasher returns the engine's digest algorithm.
func (e *Engine) Hasher() hashing.Hasher {
	return e.hasher
}

// Restore replaces cold history and committed roots with those loaded from
// src and clears the hot tier.
func (e *Engine) Restore(src Source) error {
	history, roots, err := src.Load()
	if err != nil {
		return newError(KindOther, "restore", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.cold.Load(history, roots)
	e.hot.Purge()
	e.updateColdGauges()
	e.logger.Info("history restored",
		"channels", e.cold.ChannelCount(),
		"records", e.cold.Records(),
	)
	return nil
}

// ApplyConfig replaces the engine's tunables. Existing hot buffers are kept
// and checked against the new threshold on their next append.
func (e *Engine) ApplyConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.cfg = cfg
	e.logger.Info("config applied",
		"compression_threshold", cfg.CompressionThreshold,
		"retention_period", cfg.RetentionPeriod,
	)
	return nil
}

// Config returns the current tunables.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Metrics returns the engine's metrics bundle.
func (e *Engine) Metrics() *metrics.EngineMetrics {
	return e.metrics
}

// Stats returns the current tier sizes.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	active, recent := e.hot.Len()
	pending := 0
	for _, id := range e.hot.RecentChannels() {
		pending += e.hot.RecentLen(id)
	}
	return Stats{
		ActiveChannels:       active,
		RecentBuffers:        recent,
		PendingRecords:       pending,
		ColdChannels:         e.cold.ChannelCount(),
		ColdRecords:          e.cold.Records(),
		CommittedRoots:       e.cold.CommittedRoots(),
		CompressionThreshold: e.cfg.CompressionThreshold,
		RetentionPeriod:      e.cfg.RetentionPeriod,
		HashAlgorithm:        e.hasher.Name(),
	}
}
