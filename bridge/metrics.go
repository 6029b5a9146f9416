package bridge

import "time"

// Outcome is the way a pending request was resolved
type Outcome string

const (
	OutcomeMatched   Outcome = "matched"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
	OutcomeClosed    Outcome = "closed"
)

// Reasons an inbound message was discarded
const (
	DropMalformed = "malformed"
	DropUnmatched = "unmatched"
)

// MetricsCollector collects bridge metrics
type MetricsCollector interface {
	// RecordOutcome records how a request resolved and how long it was pending
	RecordOutcome(outcome Outcome, latency time.Duration)

	// RecordDropped records an inbound message that resolved nothing
	RecordDropped(reason string)

	// SetPending reports the current registry size
	SetPending(count int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordOutcome does nothing
func (NoOpMetricsCollector) RecordOutcome(Outcome, time.Duration) {}

// RecordDropped does nothing
func (NoOpMetricsCollector) RecordDropped(string) {}

// SetPending does nothing
func (NoOpMetricsCollector) SetPending(int) {}
