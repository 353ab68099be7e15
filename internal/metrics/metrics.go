// Package metrics provides Prometheus metrics for observability.
// Adapted verbatim in pattern from
// internal/infrastructure/metrics/prometheus.go (promauto.NewCounterVec
// + constant label values), extended with the cache-tier, chunk-store,
// fallback and range-request metrics this domain needs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gostream_edge"

var (
	// CacheTierRequestsTotal tracks lookups against each cache tier.
	// Labels:
	//   - tier: edge, durable
	//   - result: hit, miss, error
	CacheTierRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_tier_requests_total",
			Help:      "Total number of lookups against a cache tier",
		},
		[]string{"tier", "result"},
	)

	// ChunkStoreOperationsTotal tracks chunk store operations.
	// Labels:
	//   - operation: put, get, delete, cleanup
	//   - status: success, error, integrity_error
	ChunkStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_store_operations_total",
			Help:      "Total number of chunk store operations",
		},
		[]string{"operation", "status"},
	)

	// FallbackStreamsTotal tracks fallback-streamer activations.
	// Labels:
	//   - outcome: persisted, skipped_too_large, persist_failed
	FallbackStreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_streams_total",
			Help:      "Total number of fallback-streamer activations",
		},
		[]string{"outcome"},
	)

	// RangeRequestsTotal tracks Range-header handling outcomes.
	// Labels:
	//   - outcome: satisfied, unsatisfiable, multi_range_full
	RangeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "range_requests_total",
			Help:      "Total number of Range-header requests handled",
		},
		[]string{"outcome"},
	)

	// VersionBumpsTotal tracks version-store bump triggers.
	// Labels:
	//   - trigger: cache_miss, storage_error, admin_bust
	VersionBumpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_bumps_total",
			Help:      "Total number of version-store bumps",
		},
		[]string{"trigger"},
	)

	// SingleflightRequestsTotal tracks coalescer behavior.
	// Labels:
	//   - result: initiated (new execution), shared (reused result)
	SingleflightRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "singleflight_requests_total",
			Help:      "Total number of singleflight requests",
		},
		[]string{"result"},
	)

	// DBQueriesTotal tracks version-store Postgres queries.
	// Labels:
	//   - query_type: select, insert, update
	//   - table: cache_versions
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_queries_total",
			Help:      "Total number of database queries",
		},
		[]string{"query_type", "table"},
	)

	// EventSinkEventsTotal tracks cache events consumed by cmd/eventsink.
	// Labels:
	//   - event_type: cache_miss, version_bumped, fallback_triggered,
	//     integrity_error, unrecognized
	EventSinkEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventsink_events_total",
			Help:      "Total number of cache events consumed by the event sink",
		},
		[]string{"event_type"},
	)
)

// Cache tier constants.
const (
	TierEdge    = "edge"
	TierDurable = "durable"
)

// Cache tier result constants.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Chunk store operation constants.
const (
	ChunkOpPut     = "put"
	ChunkOpGet     = "get"
	ChunkOpDelete  = "delete"
	ChunkOpCleanup = "cleanup"
)

// Chunk store status constants.
const (
	StatusSuccess        = "success"
	StatusError          = "error"
	StatusIntegrityError = "integrity_error"
)

// Fallback outcome constants.
const (
	FallbackPersisted       = "persisted"
	FallbackSkippedTooLarge = "skipped_too_large"
	FallbackPersistFailed   = "persist_failed"
)

// Range request outcome constants.
const (
	RangeSatisfied      = "satisfied"
	RangeUnsatisfiable  = "unsatisfiable"
	RangeMultiRangeFull = "multi_range_full"
)

// Version bump trigger constants.
const (
	BumpTriggerCacheMiss    = "cache_miss"
	BumpTriggerStorageError = "storage_error"
	BumpTriggerAdminBust    = "admin_bust"
)

// Singleflight result constants.
const (
	SingleflightInitiated = "initiated"
	SingleflightShared    = "shared"
)

// DB query type constants.
const (
	DBQuerySelect = "select"
	DBQueryInsert = "insert"
	DBQueryUpdate = "update"
)

// Table name constants.
const (
	TableCacheVersions = "cache_versions"
)

// Event sink event-type constants. The first four mirror
// eventbus.EventType; "unrecognized" has no eventbus counterpart.
const (
	EventSinkCacheMiss      = "cache_miss"
	EventSinkVersionBumped  = "version_bumped"
	EventSinkFallback       = "fallback_triggered"
	EventSinkIntegrityError = "integrity_error"
	EventSinkUnrecognized   = "unrecognized"
)
