package port

import "stake_orchestrator/internal/domain/entity"

// StatusSink receives progress notices from the wallet queue and the retry planner.
type StatusSink interface {
	// Status shows a one-line message.
	Status(msg string)

	// Backoff announces a rate-limit wait. Closing or sending on the returned
	// channel asks the queue to stop waiting; a nil channel never fires.
	Backoff(notice entity.BackoffNotice) <-chan struct{}

	// Clear removes any status previously shown.
	Clear()
}
