package engine

import (
	"errors"
	"testing"
)

// recordingWriter captures status writes
type recordingWriter struct {
	rows   map[int]string
	failed bool
}

func (w *recordingWriter) WriteStatus(rowIndex int, status string) error {
	if w.failed {
		return errors.New("disk full")
	}
	if w.rows == nil {
		w.rows = make(map[int]string)
	}
	w.rows[rowIndex] = status
	return nil
}

func TestSinkWrite(t *testing.T) {
	s := NewStatusSink(testLogger())
	w := &recordingWriter{}

	s.Bind("c1", w)
	s.Write("c1", 3, "sent")

	if w.rows[3] != "sent" {
		t.Errorf("rows[3] = %q, want sent", w.rows[3])
	}
}

func TestSinkUnboundCampaign(t *testing.T) {
	s := NewStatusSink(testLogger())

	// No writer bound: silent skip
	s.Write("c1", 0, "sent")
}

func TestSinkUnbind(t *testing.T) {
	s := NewStatusSink(testLogger())
	w := &recordingWriter{}

	s.Bind("c1", w)
	s.Unbind("c1")
	s.Write("c1", 0, "sent")

	if len(w.rows) != 0 {
		t.Errorf("writes after unbind: %v", w.rows)
	}
}

func TestSinkNilWriter(t *testing.T) {
	s := NewStatusSink(testLogger())
	s.Bind("c1", nil)
	s.Write("c1", 0, "sent")
}

func TestSinkWriteFailureSwallowed(t *testing.T) {
	s := NewStatusSink(testLogger())
	s.Bind("c1", &recordingWriter{failed: true})

	// Best-effort: a failing writer must not panic or propagate
	s.Write("c1", 0, "sent")
}
