package entity

import "time"

// SendLockRecord is the shared record written by the holder of the wallet send lock.
type SendLockRecord struct {
	OwnerID     string `json:"id"`
	TimestampMs int64  `json:"t"`
}

// Age returns how long ago the record was written or refreshed.
func (r SendLockRecord) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.TimestampMs))
}

// Fresh reports whether the record is younger than ttl.
func (r SendLockRecord) Fresh(now time.Time, ttl time.Duration) bool {
	return r.Age(now) <= ttl
}
