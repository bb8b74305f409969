// Package metrics implements the aggregation core of the agent: the statistical aggregate,
// metric identities, the concurrent store that producers record into and the batches the
// harvest cycle drains from it.
package metrics

// Supportability metrics describe the agent itself. They are count-only unless noted.
//
// Each name is tagged with the component that records it and the value kind:
//
//	owner:<component> kind:count|timing|value
const (
	// SupportabilityPrefix prefixes every metric that describes the agent itself.
	SupportabilityPrefix = "Supportability/"

	// NamePoolCreateTotal counts objects a pool allocated because it was empty. Scoped by pool name.
	// owner:pool kind:count
	NamePoolCreateTotal = "Supportability/Pool/Created"

	// NameHarvestDuration is the wall time of one harvest tick.
	// owner:harvest kind:timing
	NameHarvestDuration = "Supportability/Harvest/Duration"

	// NameHarvestMetrics counts the entries drained per harvest.
	// owner:harvest kind:count
	NameHarvestMetrics = "Supportability/Harvest/Metrics"

	// NameDeliverySent counts batches acknowledged by the transport.
	// owner:delivery kind:count
	NameDeliverySent = "Supportability/Delivery/Sent"

	// NameDeliveryRetried counts send attempts that were retried.
	// owner:delivery kind:count
	NameDeliveryRetried = "Supportability/Delivery/Retried"

	// NameDeliveryDropped counts batches discarded after a fatal send error.
	// owner:delivery kind:count
	NameDeliveryDropped = "Supportability/Delivery/Dropped"

	// NameDeliveryRequeued counts batches merged back into the store after retries ran out.
	// owner:delivery kind:count
	NameDeliveryRequeued = "Supportability/Delivery/Requeued"

	// NameTransactionForced counts transactions completed by the watchdog sweep.
	// owner:transaction kind:count
	NameTransactionForced = "Supportability/Transaction/ForceCompleted"

	// NameTransactionLateRecord counts records dropped because their transaction was complete.
	// owner:transaction kind:count
	NameTransactionLateRecord = "Supportability/Transaction/LateRecord"

	// NameChannelState counts channel state transitions. Scoped by the new state.
	// owner:transport kind:count
	NameChannelState = "Supportability/Transport/State"

	// NameAgentRecordError counts data points rejected at the inbound API.
	// owner:agent kind:count
	NameAgentRecordError = "Supportability/Agent/RecordError"

	// NameLoggingLinesPrefix and NameLoggingSizePrefix are followed by the log level name.
	// They carry the host application's log output as reported through the inbound API.
	// owner:agent kind:count|value
	NameLoggingLinesPrefix = "Logging/lines/"
	NameLoggingSizePrefix  = "Logging/size/"

	// NameAgentLogLinesPrefix and NameAgentLogSizePrefix count the agent's own encoded log
	// lines and their bytes, followed by the log level name.
	// owner:log kind:count|value
	NameAgentLogLinesPrefix = "Supportability/Logging/Lines/"
	NameAgentLogSizePrefix  = "Supportability/Logging/Size/"
)

