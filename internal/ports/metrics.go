package ports

// Metric names understood by the Observability implementation. Unknown names
// are ignored.
const (
	MetricRecordsProduced   = "fieldlink_records_produced_total"
	MetricRecordsPublished  = "fieldlink_records_published_total"
	MetricPublishFailures   = "fieldlink_publish_failures_total"
	MetricRecordsConsumed   = "fieldlink_records_consumed_total"
	MetricMalformedPayloads = "fieldlink_malformed_payloads_total"
	MetricStoreOps          = "fieldlink_store_operations_total"
	MetricStoreSucceeded    = "fieldlink_store_succeeded_total"
	MetricStoreFailed       = "fieldlink_store_failed_total"
	MetricReconnects        = "fieldlink_reconnects_total"
	MetricSinkErrors        = "fieldlink_sink_errors_total"
	MetricRecordsArchived   = "fieldlink_records_archived_total"

	GaugeConnectionState = "fieldlink_connection_state"
	GaugeSubscriptions   = "fieldlink_subscriptions"
	GaugePersistQueue    = "fieldlink_persist_queue_length"
	GaugeProducerPending = "fieldlink_producer_pending"

	LatencyStore   = "fieldlink_store_latency_seconds"
	LatencyArchive = "fieldlink_archive_latency_seconds"
)
