package coord

// QueueStatus is the state of a queue entry in the merge train.
//
// State machine:
//
//	draft -> ready -> checking -> mergeable -> merged
//	                       \-> blocked -> ready (operator retry)
//	any non-terminal state -> kicked
//
// merged and kicked are terminal; terminal entries leave the active
// ordering and never transition again.
type QueueStatus string

const (
	QueueDraft     QueueStatus = "draft"
	QueueReady     QueueStatus = "ready"
	QueueBlocked   QueueStatus = "blocked"
	QueueChecking  QueueStatus = "checking"
	QueueMergeable QueueStatus = "mergeable"
	QueueMerged    QueueStatus = "merged"
	QueueKicked    QueueStatus = "kicked"
)

// queueTransitions is the allowed transition table. Evaluation order does
// not matter; each source maps to the complete set of legal targets.
var queueTransitions = map[QueueStatus]map[QueueStatus]bool{
	QueueDraft: {
		QueueReady:  true,
		QueueKicked: true,
	},
	QueueReady: {
		QueueChecking: true,
		QueueKicked:   true,
	},
	QueueChecking: {
		QueueMergeable: true,
		QueueBlocked:   true,
		QueueKicked:    true,
	},
	QueueMergeable: {
		QueueMerged:  true,
		QueueBlocked: true,
		QueueKicked:  true,
	},
	QueueBlocked: {
		QueueReady:  true,
		QueueKicked: true,
	},
	// merged and kicked are terminal.
	QueueMerged: {},
	QueueKicked: {},
}

// ValidQueueStatuses defines the allowed queue entry states.
var ValidQueueStatuses = map[QueueStatus]bool{
	QueueDraft:     true,
	QueueReady:     true,
	QueueBlocked:   true,
	QueueChecking:  true,
	QueueMergeable: true,
	QueueMerged:    true,
	QueueKicked:    true,
}

// Terminal reports whether the status is outside the active ordering.
func (s QueueStatus) Terminal() bool {
	return s == QueueMerged || s == QueueKicked
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to QueueStatus) bool {
	targets, ok := queueTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// CheckTransition validates from -> to, returning a StateConflict error
// describing the rejected change when it is illegal.
func CheckTransition(session string, from, to QueueStatus) error {
	if !ValidQueueStatuses[to] {
		return NewValidation(
			"unknown queue status "+string(to),
			"use one of draft, ready, blocked, checking, mergeable, merged, kicked",
		)
	}
	if !CanTransition(from, to) {
		return NewStateConflict(
			"queue entry "+session+" cannot move "+string(from)+" -> "+string(to),
			"",
		)
	}
	return nil
}
