package coord

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandType discriminates command payloads in envelopes and the ledger.
type CommandType string

const (
	CmdSessionCreate       CommandType = "session.create"
	CmdSessionUpdateStatus CommandType = "session.update_status"
	CmdSessionReparent     CommandType = "session.reparent"
	CmdSessionRemove       CommandType = "session.remove"
	CmdQueueSubmit         CommandType = "queue.submit"
	CmdQueueTransition     CommandType = "queue.transition"
	CmdQueueKick           CommandType = "queue.kick"
	CmdLockAcquire         CommandType = "lock.acquire"
	CmdLockHeartbeat       CommandType = "lock.heartbeat"
	CmdLockRelease         CommandType = "lock.release"
	CmdLockReclaim         CommandType = "lock.reclaim"
)

// SessionCreate creates a new session, optionally parented for stacking.
// Force bypasses the session-count ceiling.
type SessionCreate struct {
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

// SessionUpdateStatus moves a session through its lifecycle.
type SessionUpdateStatus struct {
	Name   string        `json:"name"`
	Status SessionStatus `json:"status"`
}

// SessionReparent re-roots a session under a new parent.
// An empty Parent detaches the session from its stack.
type SessionReparent struct {
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
}

// SessionRemove deletes a session and cascade-releases any lease on it.
// IfPresent opts into idempotent semantics: removing a missing session
// succeeds instead of reporting NotFound.
type SessionRemove struct {
	Name      string `json:"name"`
	IfPresent bool   `json:"if_present,omitempty"`
}

// QueueSubmit appends a session to the merge queue at the next position.
// Draft entries hold their slot but are skipped by the train until
// promoted to ready.
type QueueSubmit struct {
	Session string `json:"session"`
	Draft   bool   `json:"draft,omitempty"`
}

// QueueTransition moves a queue entry through the state machine.
type QueueTransition struct {
	Session string      `json:"session"`
	To      QueueStatus `json:"to"`
	Detail  string      `json:"detail,omitempty"`
}

// QueueKick removes an entry from the active ordering and renumbers all
// subsequent active entries so positions stay contiguous.
type QueueKick struct {
	Session string `json:"session"`
	Reason  string `json:"reason,omitempty"`
}

// LockAcquire claims a lease on a resource. A stale incumbent lease is
// reclaimed atomically as part of the same command.
type LockAcquire struct {
	Resource   string `json:"resource"`
	Holder     string `json:"holder"`
	LeaseID    string `json:"lease_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// LockHeartbeat renews a held lease's heartbeat time.
type LockHeartbeat struct {
	Resource string `json:"resource"`
	LeaseID  string `json:"lease_id"`
}

// LockRelease drops a held lease. Releasing an absent lease is idempotent.
type LockRelease struct {
	Resource string `json:"resource"`
	LeaseID  string `json:"lease_id"`
}

// LockReclaim deletes every stale lease; the outcome carries the count.
type LockReclaim struct{}

// Command wraps exactly one typed payload, discriminated by Type.
// Exactly one payload pointer is non-nil for a well-formed command.
type Command struct {
	Type CommandType

	SessionCreate       *SessionCreate
	SessionUpdateStatus *SessionUpdateStatus
	SessionReparent     *SessionReparent
	SessionRemove       *SessionRemove
	QueueSubmit         *QueueSubmit
	QueueTransition     *QueueTransition
	QueueKick           *QueueKick
	LockAcquire         *LockAcquire
	LockHeartbeat       *LockHeartbeat
	LockRelease         *LockRelease
	LockReclaim         *LockReclaim
}

// Payload returns the active payload for serialization.
func (c Command) Payload() (any, error) {
	switch c.Type {
	case CmdSessionCreate:
		if c.SessionCreate != nil {
			return c.SessionCreate, nil
		}
	case CmdSessionUpdateStatus:
		if c.SessionUpdateStatus != nil {
			return c.SessionUpdateStatus, nil
		}
	case CmdSessionReparent:
		if c.SessionReparent != nil {
			return c.SessionReparent, nil
		}
	case CmdSessionRemove:
		if c.SessionRemove != nil {
			return c.SessionRemove, nil
		}
	case CmdQueueSubmit:
		if c.QueueSubmit != nil {
			return c.QueueSubmit, nil
		}
	case CmdQueueTransition:
		if c.QueueTransition != nil {
			return c.QueueTransition, nil
		}
	case CmdQueueKick:
		if c.QueueKick != nil {
			return c.QueueKick, nil
		}
	case CmdLockAcquire:
		if c.LockAcquire != nil {
			return c.LockAcquire, nil
		}
	case CmdLockHeartbeat:
		if c.LockHeartbeat != nil {
			return c.LockHeartbeat, nil
		}
	case CmdLockRelease:
		if c.LockRelease != nil {
			return c.LockRelease, nil
		}
	case CmdLockReclaim:
		if c.LockReclaim != nil {
			return c.LockReclaim, nil
		}
	default:
		return nil, fmt.Errorf("unknown command type %q", c.Type)
	}
	return nil, fmt.Errorf("command %s missing payload", c.Type)
}

// MarshalPayload serializes the active payload to JSON for the ledger.
// Struct field order makes the encoding deterministic.
func (c Command) MarshalPayload() (string, error) {
	p, err := c.Payload()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", c.Type, err)
	}
	return string(data), nil
}

// DecodeCommand rebuilds a Command from a ledger row's type and payload.
func DecodeCommand(typ CommandType, payload string) (Command, error) {
	c := Command{Type: typ}
	var dst any
	switch typ {
	case CmdSessionCreate:
		c.SessionCreate = &SessionCreate{}
		dst = c.SessionCreate
	case CmdSessionUpdateStatus:
		c.SessionUpdateStatus = &SessionUpdateStatus{}
		dst = c.SessionUpdateStatus
	case CmdSessionReparent:
		c.SessionReparent = &SessionReparent{}
		dst = c.SessionReparent
	case CmdSessionRemove:
		c.SessionRemove = &SessionRemove{}
		dst = c.SessionRemove
	case CmdQueueSubmit:
		c.QueueSubmit = &QueueSubmit{}
		dst = c.QueueSubmit
	case CmdQueueTransition:
		c.QueueTransition = &QueueTransition{}
		dst = c.QueueTransition
	case CmdQueueKick:
		c.QueueKick = &QueueKick{}
		dst = c.QueueKick
	case CmdLockAcquire:
		c.LockAcquire = &LockAcquire{}
		dst = c.LockAcquire
	case CmdLockHeartbeat:
		c.LockHeartbeat = &LockHeartbeat{}
		dst = c.LockHeartbeat
	case CmdLockRelease:
		c.LockRelease = &LockRelease{}
		dst = c.LockRelease
	case CmdLockReclaim:
		c.LockReclaim = &LockReclaim{}
		dst = c.LockReclaim
	default:
		return Command{}, fmt.Errorf("unknown command type %q", typ)
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return Command{}, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return c, nil
}

// Envelope is the unit recorded in the ledger.
//
// LogicalTS comes from the writer's logical clock; RecordedAt is wall time
// stamped by the writer at acceptance. Apply functions read time only from
// the envelope, which keeps replay a pure function of the ledger.
type Envelope struct {
	Key        string    `json:"key"`
	Command    Command   `json:"-"`
	LogicalTS  int64     `json:"logical_ts"`
	RecordedAt time.Time `json:"recorded_at"`
}

// LedgerStatus is the terminal state of a logged command.
type LedgerStatus string

const (
	// LedgerApplied marks a command whose mutation reached the state store.
	LedgerApplied LedgerStatus = "applied"
	// LedgerFailed marks a command that was logged but whose apply failed.
	// Replay treats failed records as no-ops; the row itself is never removed.
	LedgerFailed LedgerStatus = "failed"
)

// Outcome is the recorded result of a command, returned verbatim on
// idempotent re-invocation.
type Outcome struct {
	Kind    string      `json:"kind"` // session | entry | lease | count | none
	Session *Session    `json:"session,omitempty"`
	Entry   *QueueEntry `json:"entry,omitempty"`
	Lease   *Lease      `json:"lease,omitempty"`
	Count   int         `json:"count,omitempty"`
	Note    string      `json:"note,omitempty"`
}

// EncodeOutcome serializes an outcome for the ledger.
func EncodeOutcome(o Outcome) (string, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("marshal outcome: %w", err)
	}
	return string(data), nil
}

// DecodeOutcome rebuilds an outcome from its ledger encoding.
func DecodeOutcome(data string) (Outcome, error) {
	var o Outcome
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return Outcome{}, fmt.Errorf("unmarshal outcome: %w", err)
	}
	return o, nil
}
