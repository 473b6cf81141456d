package metrics

import "time"

const (
	storageLookupsTotal = namespace + "_storage_lookups_total"
	operationsTotal     = namespace + "_operations_total"
	operationDuration   = namespace + "_operation_duration_seconds"
	verifyLevelsTotal   = namespace + "_verify_levels_total"
	jobsTotal           = namespace + "_jobs_total"
)

func init() {
	defaultRegistry.describe(storageLookupsTotal, "counter", "Proof storage accesses by tier and outcome.")
	defaultRegistry.describe(operationsTotal, "counter", "Sign and verify operations by outcome.")
	defaultRegistry.describe(operationDuration, "histogram", "Sign and verify latency in seconds.")
	defaultRegistry.describe(verifyLevelsTotal, "counter", "Verification results by confidence level.")
	defaultRegistry.describe(jobsTotal, "counter", "Batch verification jobs by final status.")
}

// ObserveStorage counts one access to a storage tier.
func ObserveStorage(tier, outcome string) {
	defaultRegistry.inc(storageLookupsTotal, "tier", tier, "outcome", outcome)
}

// ObserveOperation records a sign or verify call.
func ObserveOperation(operation, outcome string, duration time.Duration) {
	defaultRegistry.inc(operationsTotal, "operation", operation, "outcome", outcome)
	defaultRegistry.observe(operationDuration, duration.Seconds(), "operation", operation)
}

// ObserveVerifyLevel counts a verification result by confidence level.
func ObserveVerifyLevel(level string) {
	defaultRegistry.inc(verifyLevelsTotal, "level", level)
}

// ObserveJob counts a job reaching a final status.
func ObserveJob(status string) {
	defaultRegistry.inc(jobsTotal, "status", status)
}

// StorageCount returns the current value of a storage counter.
func StorageCount(tier, outcome string) uint64 {
	return defaultRegistry.counter(storageLookupsTotal, "tier", tier, "outcome", outcome)
}

// Reset clears every sample. Intended for tests.
func Reset() {
	defaultRegistry.reset()
}
