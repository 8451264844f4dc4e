package telemetry

// Histogram bucket definitions
var (
	// LockWaitBuckets for caller-side busy waits, from a single backoff step to the busy timeout
	LockWaitBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5}

	// RetryBuckets for rowid corruption retries per statement
	RetryBuckets = []float64{0, 1, 2, 5, 10, 25, 50}
)

// Lock Metrics
var (
	// LockAcquireTotal counts acquisitions by kind (table, row) and result (granted, reentrant, busy, full, error)
	LockAcquireTotal CounterVec = noopCounterVec{}

	// LockReleaseTotal counts released records by kind
	LockReleaseTotal CounterVec = noopCounterVec{}

	// LockWaitSeconds measures how long a caller retried a busy lock before it finished
	LockWaitSeconds HistogramVec = noopHistogramVec{}

	// LockWaitTimeoutsTotal counts waits that gave up after the busy timeout
	LockWaitTimeoutsTotal Counter = NoopStat{}

	// HoldersReclaimedTotal counts dead holders reclaimed while resolving a conflict
	HoldersReclaimedTotal Counter = NoopStat{}
)

// Rowid Metrics
var (
	// RowidRetriesTotal counts statements re-run after a corrupted rowid cache
	RowidRetriesTotal Counter = NoopStat{}

	// RowidRetryExhaustedTotal counts statements that failed after the retry limit
	RowidRetryExhaustedTotal Counter = NoopStat{}

	// RowidRetryAttempts measures retries needed per statement that needed any
	RowidRetryAttempts Histogram = NoopStat{}
)

// Transaction Metrics
var (
	// TxnTotal counts transaction outcomes (commit, rollback, commit_failed)
	TxnTotal CounterVec = noopCounterVec{}

	// ForceCommitsTotal counts statements that committed their sub-transaction on halt
	ForceCommitsTotal Counter = NoopStat{}

	// StatementJournalsTotal counts statements started with a statement journal
	StatementJournalsTotal Counter = NoopStat{}
)

// Segment Metrics
var (
	// SegmentHolders tracks registered holders
	SegmentHolders Gauge = NoopStat{}

	// SegmentRowsUsed tracks occupied row slots
	SegmentRowsUsed Gauge = NoopStat{}

	// SegmentTablesUsed tracks occupied table slots
	SegmentTablesUsed Gauge = NoopStat{}

	// SegmentRowSlots tracks row region capacity
	SegmentRowSlots Gauge = NoopStat{}

	// SegmentTableSlots tracks table region capacity
	SegmentTableSlots Gauge = NoopStat{}

	// SegmentSweepsTotal counts sweeps that reclaimed at least one holder
	SegmentSweepsTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Lock Metrics
	LockAcquireTotal = newCounterVec(
		"lock_acquire_total",
		"Lock acquisitions by kind and result",
		"kind", "result",
	)
	LockReleaseTotal = newCounterVec(
		"lock_release_total",
		"Released lock records by kind",
		"kind",
	)
	LockWaitSeconds = newHistogramVec(
		"lock_wait_seconds",
		"Time spent retrying busy locks by result",
		LockWaitBuckets,
		"result",
	)
	LockWaitTimeoutsTotal = newCounter(
		"lock_wait_timeouts_total",
		"Lock waits that hit the busy timeout",
	)
	HoldersReclaimedTotal = newCounter(
		"holders_reclaimed_total",
		"Dead holders reclaimed during conflict resolution",
	)

	// Rowid Metrics
	RowidRetriesTotal = newCounter(
		"rowid_retries_total",
		"Statements re-run after a corrupted rowid cache",
	)
	RowidRetryExhaustedTotal = newCounter(
		"rowid_retry_exhausted_total",
		"Statements that exhausted rowid retries",
	)
	RowidRetryAttempts = newHistogram(
		"rowid_retry_attempts",
		"Retries per statement that hit a corrupted rowid cache",
		RetryBuckets,
	)

	// Transaction Metrics
	TxnTotal = newCounterVec(
		"txn_total",
		"Transaction outcomes",
		"result",
	)
	ForceCommitsTotal = newCounter(
		"force_commits_total",
		"Statements that force-committed their sub-transaction",
	)
	StatementJournalsTotal = newCounter(
		"statement_journals_total",
		"Statements started with a statement journal",
	)

	// Segment Metrics
	SegmentHolders = newGauge(
		"segment_holders",
		"Registered lock holders",
	)
	SegmentRowsUsed = newGauge(
		"segment_rows_used",
		"Occupied row lock slots",
	)
	SegmentTablesUsed = newGauge(
		"segment_tables_used",
		"Occupied table lock slots",
	)
	SegmentRowSlots = newGauge(
		"segment_row_slots",
		"Row lock slot capacity",
	)
	SegmentTableSlots = newGauge(
		"segment_table_slots",
		"Table lock slot capacity",
	)
	SegmentSweepsTotal = newCounter(
		"segment_sweeps_total",
		"Sweeps that reclaimed dead holders",
	)
}

func resetMetrics() {
	LockAcquireTotal = noopCounterVec{}
	LockReleaseTotal = noopCounterVec{}
	LockWaitSeconds = noopHistogramVec{}
	LockWaitTimeoutsTotal = NoopStat{}
	HoldersReclaimedTotal = NoopStat{}
	RowidRetriesTotal = NoopStat{}
	RowidRetryExhaustedTotal = NoopStat{}
	RowidRetryAttempts = NoopStat{}
	TxnTotal = noopCounterVec{}
	ForceCommitsTotal = NoopStat{}
	StatementJournalsTotal = NoopStat{}
	SegmentHolders = NoopStat{}
	SegmentRowsUsed = NoopStat{}
	SegmentTablesUsed = NoopStat{}
	SegmentRowSlots = NoopStat{}
	SegmentTableSlots = NoopStat{}
	SegmentSweepsTotal = NoopStat{}
}

// UpdateSegmentStats publishes segment occupancy
func UpdateSegmentStats(holders, rowsUsed, rowSlots, tablesUsed, tableSlots int) {
	SegmentHolders.Set(float64(holders))
	SegmentRowsUsed.Set(float64(rowsUsed))
	SegmentRowSlots.Set(float64(rowSlots))
	SegmentTablesUsed.Set(float64(tablesUsed))
	SegmentTableSlots.Set(float64(tableSlots))
}
