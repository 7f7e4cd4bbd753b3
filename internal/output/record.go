package output

import (
	"github.com/lprior-repo/isolate/internal/coord"
)

// Kind discriminates output record variants.
type Kind string

const (
	// KindSession is a session snapshot.
	KindSession Kind = "session"
	// KindEntry is a queue entry snapshot.
	KindEntry Kind = "entry"
	// KindStep is a progress step within a command or train pass.
	KindStep Kind = "step"
	// KindSummary carries aggregate counts.
	KindSummary Kind = "summary"
	// KindIssue is a problem report with severity and remediation.
	KindIssue Kind = "issue"
	// KindResult is the terminal record of a command or pass; it is always
	// the last record emitted for that command or pass.
	KindResult Kind = "result"
)

// Severity grades an issue record.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Record is the discriminated envelope written to output sinks. The Kind
// field selects which optional fields are populated; every record is
// independently parseable.
type Record struct {
	Kind Kind `json:"kind"`

	Session *coord.Session    `json:"session,omitempty"`
	Entry   *coord.QueueEntry `json:"entry,omitempty"`

	// Step fields.
	Step   string `json:"step,omitempty"`
	Target string `json:"target,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Summary fields.
	Counts map[string]int `json:"counts,omitempty"`

	// Issue fields.
	Severity    Severity       `json:"severity,omitempty"`
	Category    coord.Category `json:"category,omitempty"`
	Message     string         `json:"message,omitempty"`
	Remediation string         `json:"remediation,omitempty"`

	// Result fields.
	OK    bool               `json:"ok,omitempty"`
	Train *coord.TrainResult `json:"train,omitempty"`
}

// SessionRecord builds a session snapshot record.
func SessionRecord(sess coord.Session) Record {
	return Record{Kind: KindSession, Session: &sess}
}

// EntryRecord builds a queue entry snapshot record.
func EntryRecord(entry coord.QueueEntry) Record {
	return Record{Kind: KindEntry, Entry: &entry}
}

// StepRecord builds a progress step record.
func StepRecord(step, target, detail string) Record {
	return Record{Kind: KindStep, Step: step, Target: target, Detail: detail}
}

// SummaryRecord builds an aggregate counts record.
func SummaryRecord(counts map[string]int) Record {
	return Record{Kind: KindSummary, Counts: counts}
}

// IssueRecord builds an issue record from a severity and an error's
// taxonomy category.
func IssueRecord(severity Severity, err error) Record {
	return Record{
		Kind:        KindIssue,
		Severity:    severity,
		Category:    coord.CategoryOf(err),
		Message:     err.Error(),
		Remediation: coord.RemediationOf(err),
	}
}

// WarningRecord builds a warning issue that is not backed by an error.
func WarningRecord(category coord.Category, message, remediation string) Record {
	return Record{
		Kind:        KindIssue,
		Severity:    SeverityWarning,
		Category:    category,
		Message:     message,
		Remediation: remediation,
	}
}

// ResultRecord builds a terminal pass/fail record.
func ResultRecord(ok bool, detail string) Record {
	return Record{Kind: KindResult, OK: ok, Detail: detail}
}

// TrainResultRecord builds the terminal record of a train pass.
func TrainResultRecord(result coord.TrainResult) Record {
	return Record{Kind: KindResult, OK: true, Train: &result}
}
