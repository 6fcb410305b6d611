package credentials

import "time"

// Metrics receives resolver and setup outcomes. internal/metrics provides
// the Prometheus implementation.
type Metrics interface {
	ObserveResolution(definitionID, outcome string)
	ObserveRefresh(definitionID, outcome string, took time.Duration)
	ObserveLockWait(took time.Duration)
	ObserveValidation(definitionID, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveResolution(string, string)             {}
func (nopMetrics) ObserveRefresh(string, string, time.Duration) {}
func (nopMetrics) ObserveLockWait(time.Duration)                {}
func (nopMetrics) ObserveValidation(string, string)             {}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
