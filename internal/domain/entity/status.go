package entity

import (
	"math"
	"time"
)

// BackoffNotice describes a rate-limit wait before the next wallet attempt.
type BackoffNotice struct {
	Method   string        `json:"method"`
	Attempt  int           `json:"attempt"` // 1-based index of the attempt that follows the wait
	MaxTries int           `json:"maxTries"`
	Delay    time.Duration `json:"delay"`
}

// SecondsLeft rounds the delay up to whole seconds for countdown displays.
func (n BackoffNotice) SecondsLeft() int {
	return int(math.Ceil(n.Delay.Seconds()))
}
