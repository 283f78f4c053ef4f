package metrics

// EngineMetrics is the set of metrics maintained by a storage engine.
type EngineMetrics struct {
	registry *Registry

	TransactionsStored   *Counter
	RejectedTransactions *Counter
	Compactions          *Counter
	CompactedRecords     *Counter
	ActiveEvictions      *Counter
	RecentEvictions      *Counter
	SinkFailures         *Counter

	ColdRecords  *Gauge
	ColdChannels *Gauge

	StoreDuration       *Histogram
	CompactionBatchSize *Histogram
}

// NewEngineMetrics registers the engine metrics on registry. A nil registry
// gets a private one, so independent engines do not share counters.
func NewEngineMetrics(registry *Registry) *EngineMetrics {
	if registry == nil {
		registry = NewRegistry("")
	}

	return &EngineMetrics{
		registry: registry,

		TransactionsStored: registry.Counter("transactions_stored_total",
			"Transactions accepted into cold history"),
		RejectedTransactions: registry.Counter("transactions_rejected_total",
			"Transactions rejected by policy, serialization or sink"),
		Compactions: registry.Counter("compactions_total",
			"Compaction summaries written"),
		CompactedRecords: registry.Counter("compacted_records_total",
			"Hot-tier records folded into summaries"),
		ActiveEvictions: registry.Counter("active_channel_evictions_total",
			"Channel states evicted from the active tier"),
		RecentEvictions: registry.Counter("recent_buffer_evictions_total",
			"Transaction buffers evicted from the recent tier"),
		SinkFailures: registry.Counter("sink_failures_total",
			"Persist or root commit calls that failed"),

		ColdRecords: registry.Gauge("cold_records",
			"Records held in cold history"),
		ColdChannels: registry.Gauge("cold_channels",
			"Channels with cold history"),

		StoreDuration: registry.Histogram("store_duration_seconds",
			"Duration of StoreTransaction calls", DurationBuckets),
		CompactionBatchSize: registry.Histogram("compaction_batch_size",
			"Records per compaction", CountBuckets),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *EngineMetrics) Registry() *Registry {
	return m.registry
}

// RecordEviction counts an eviction from the named hot tier.
func (m *EngineMetrics) RecordEviction(tier string) {
	switch tier {
	case "active_channels":
		m.ActiveEvictions.Inc()
	case "recent_transactions":
		m.RecentEvictions.Inc()
	}
}

// RecordCompaction counts one compaction of n records.
func (m *EngineMetrics) RecordCompaction(n int) {
	m.Compactions.Inc()
	m.CompactedRecords.Add(uint64(n))
	m.CompactionBatchSize.Observe(float64(n))
}

// SetCold sets the cold-tier gauges.
func (m *EngineMetrics) SetCold(records, channels int) {
	m.ColdRecords.Set(int64(records))
	m.ColdChannels.Set(int64(channels))
}
