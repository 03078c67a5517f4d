package workflow

import "time"

// MetricsRecorder receives engine measurements. internal/metrics.Collector
// implements it for Prometheus.
type MetricsRecorder interface {
	RecordExecution(status string, duration time.Duration)
	RecordStep(stepType, status string, attempts int, duration time.Duration)
	RecordStepRetry(stepType string)
	RecordApproval(outcome string)
	SetActiveExecutions(n int)
	RecordEvent(eventType string)
	RecordEventDropped()
}

type nopMetrics struct{}

func (nopMetrics) RecordExecution(string, time.Duration)         {}
func (nopMetrics) RecordStep(string, string, int, time.Duration) {}
func (nopMetrics) RecordStepRetry(string)                        {}
func (nopMetrics) RecordApproval(string)                         {}
func (nopMetrics) SetActiveExecutions(int)                       {}
func (nopMetrics) RecordEvent(string)                            {}
func (nopMetrics) RecordEventDropped()                           {}

// MultiRecorder fans every measurement out to each recorder in order.
type MultiRecorder []MetricsRecorder

func (m MultiRecorder) RecordExecution(status string, d time.Duration) {
	for _, r := range m {
		r.RecordExecution(status, d)
	}
}

func (m MultiRecorder) RecordStep(stepType, status string, attempts int, d time.Duration) {
	for _, r := range m {
		r.RecordStep(stepType, status, attempts, d)
	}
}

func (m MultiRecorder) RecordStepRetry(stepType string) {
	for _, r := range m {
		r.RecordStepRetry(stepType)
	}
}

func (m MultiRecorder) RecordApproval(outcome string) {
	for _, r := range m {
		r.RecordApproval(outcome)
	}
}

func (m MultiRecorder) SetActiveExecutions(n int) {
	for _, r := range m {
		r.SetActiveExecutions(n)
	}
}

func (m MultiRecorder) RecordEvent(eventType string) {
	for _, r := range m {
		r.RecordEvent(eventType)
	}
}

func (m MultiRecorder) RecordEventDropped() {
	for _, r := range m {
		r.RecordEventDropped()
	}
}
