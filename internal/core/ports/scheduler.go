package ports

import "time"

// SchedulerService runs the per-session expiry jobs. At expiry the
// application cancels the session and, when a fallback transaction is
// held, broadcasts it.
type SchedulerService interface {
	Start()
	Stop()
	ScheduleSessionExpiry(sessionId string, at time.Time, expireFunc func()) error
	CancelSessionExpiry(sessionId string)
}
