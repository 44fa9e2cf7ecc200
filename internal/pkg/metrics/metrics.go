package metrics

import (
	"time"

	"stake_orchestrator/internal/app/port"
)

// Recorder is the metrics sink handed to services.
type Recorder = port.MetricsRecorder

// Since observes the time elapsed from start under name.
func Since(r Recorder, name string, start time.Time, labels map[string]string) {
	r.ObserveLatency(name, time.Since(start), labels)
}
