// Package progress owns the update core's one piece of externally visible
// state: the progress file clients poll to learn how a running update is
// doing, and its final outcome.
package progress

import (
	"fmt"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Writer rewrites a progress file atomically (truncate+write) on every
// checkpoint and on the final outcome. The zero value is not usable;
// construct with NewWriter.
type Writer struct {
	path string

	mu         sync.Mutex
	percent    int
	state      string
	status     string
	diagnostic string
}

// NewWriter returns a Writer for the progress file at path. Finalize also
// persists the CBOR debug snapshot (see DebugSnapshot) alongside path
// with a ".cbor" suffix on every terminal outcome.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Report writes an in-progress checkpoint. It satisfies
// updatefsm.ProgressSink.
func (w *Writer) Report(percent int) {
	w.mu.Lock()
	w.percent = percent
	w.mu.Unlock()
	w.write("Running", "OK", percent, "")
}

// Finalize writes the run's terminal record: succeeded selects between
// the two canonical TaskState strings, and diagnostic — if non-empty —
// is carried as a free-text "CEC info:" line.
func (w *Writer) Finalize(succeeded bool, diagnostic string) {
	w.mu.Lock()
	percent := w.percent
	w.mu.Unlock()

	state := "Firmware update succeeded."
	status := "OK"
	if !succeeded {
		state = "Firmware update failed."
		status = "FAILED"
	}
	w.write(state, status, percent, diagnostic)

	// Persist a CBOR debug snapshot alongside the terminal outcome, so a
	// support bundle can capture the run's last-known state without
	// re-parsing the plain-text progress file.
	if snap, err := w.DebugSnapshot(); err == nil {
		_ = os.WriteFile(w.path+".cbor", snap, 0o644)
	}
}

func (w *Writer) write(state, status string, percent int, diagnostic string) {
	w.mu.Lock()
	w.state, w.status, w.diagnostic = state, status, diagnostic
	w.mu.Unlock()

	body := fmt.Sprintf("TaskState=%s\nTaskStatus=%s\nTaskProgress=%d\n", state, status, percent)
	if diagnostic != "" {
		body += fmt.Sprintf("CEC info: %s\n", diagnostic)
	}
	// Best-effort: a failure to persist progress is diagnostic-only and
	// must not fail the update run it's reporting on.
	_ = os.WriteFile(w.path, []byte(body), 0o644)
}

// Snapshot is a debug dump of a Writer's last-known state, CBOR-encoded
// for compact diagnostic capture (e.g. attached to a support bundle).
type Snapshot struct {
	Percent    int    `cbor:"percent"`
	State      string `cbor:"state"`
	Status     string `cbor:"status"`
	Diagnostic string `cbor:"diagnostic,omitempty"`
}

// DebugSnapshot returns the CBOR encoding of w's last-written state.
func (w *Writer) DebugSnapshot() ([]byte, error) {
	w.mu.Lock()
	s := Snapshot{Percent: w.percent, State: w.state, Status: w.status, Diagnostic: w.diagnostic}
	w.mu.Unlock()
	return cbor.Marshal(s)
}
