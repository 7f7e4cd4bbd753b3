package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Sink accepts typed output records. Concrete destinations (terminal,
// file, test collector) implement this independently; emitters never know
// where records land.
//
// Emit must not fail the emitting command: callers treat a sink error as
// diagnostic, not fatal.
type Sink interface {
	Emit(rec Record) error
}

// JSONLSink writes one JSON record per line. Safe for concurrent use.
type JSONLSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLSink wraps a writer in a line-delimited JSON sink.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

func (s *JSONLSink) Emit(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("emit record: %w", err)
	}
	return nil
}

// TextSink renders records as terse human-readable lines.
type TextSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextSink wraps a writer in a human-readable sink.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

func (s *TextSink) Emit(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch rec.Kind {
	case KindSession:
		_, err = fmt.Fprintf(s.w, "session %s [%s]\n", rec.Session.Name, rec.Session.Status)
	case KindEntry:
		_, err = fmt.Fprintf(s.w, "entry %s pos=%d [%s]\n", rec.Entry.Session, rec.Entry.Position, rec.Entry.Status)
	case KindStep:
		_, err = fmt.Fprintf(s.w, "step %s %s %s\n", rec.Step, rec.Target, rec.Detail)
	case KindSummary:
		_, err = fmt.Fprintf(s.w, "summary %v\n", rec.Counts)
	case KindIssue:
		if rec.Remediation != "" {
			_, err = fmt.Fprintf(s.w, "%s [%s] %s (try: %s)\n", rec.Severity, rec.Category, rec.Message, rec.Remediation)
		} else {
			_, err = fmt.Fprintf(s.w, "%s [%s] %s\n", rec.Severity, rec.Category, rec.Message)
		}
	case KindResult:
		status := "ok"
		if !rec.OK {
			status = "failed"
		}
		if rec.Train != nil {
			_, err = fmt.Fprintf(s.w, "result %s merged=%d kicked=%d still_active=%d\n",
				status, rec.Train.Merged, rec.Train.Kicked, rec.Train.StillActive)
		} else {
			_, err = fmt.Fprintf(s.w, "result %s %s\n", status, rec.Detail)
		}
	default:
		_, err = fmt.Fprintf(s.w, "%s %s\n", rec.Kind, rec.Detail)
	}
	return err
}

// Collector retains records in memory for assertions in tests.
type Collector struct {
	mu      sync.Mutex
	records []Record
}

// NewCollector returns an empty in-memory sink.
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Emit(rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

// Records returns a copy of everything emitted so far.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Last returns the most recent record, if any.
func (c *Collector) Last() (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) == 0 {
		return Record{}, false
	}
	return c.records[len(c.records)-1], true
}

// OfKind returns every collected record of the given kind.
func (c *Collector) OfKind(kind Kind) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Record
	for _, rec := range c.records {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

// Discard is a sink that drops every record.
type Discard struct{}

func (Discard) Emit(Record) error { return nil }
