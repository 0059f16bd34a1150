// Package ledger implements the params ledger: an append-only, human-readable
// record of configuration changes and lifecycle events kept next to a data file.
package ledger

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oshokin/abacus-daq/internal/domain/abacus"
	"github.com/oshokin/abacus-daq/internal/repository/fileutil"
)

const (
	// Title is the first line of a finalized ledger.
	Title = "##### PARAMETERS USED #####"

	// Suffix replaces the data file extension to form the ledger name.
	Suffix = "_params.txt"

	// DefaultDelimiter separates the timestamp from the label.
	DefaultDelimiter = ","

	// timeLayout stamps every entry.
	timeLayout = "15:04:05"
)

// ErrClosed means the ledger was finalized.
var ErrClosed = errors.New("params ledger finalized")

// DataFile is the paired data file as the ledger sees it at finalization.
type DataFile interface {
	// PersistedRows counts data rows on disk, excluding the header.
	PersistedRows() (int, error)
	// Remove deletes the data file.
	Remove() error
}

// Entry is one ledger event.
type Entry struct {
	// At is the wall clock time of the event.
	At time.Time
	// Label names the event, e.g. "Sampling Time".
	Label string
	// Value is optional; with it the line reads "Label: Value Unit".
	Value string
	// Unit is optional.
	Unit string
}

// Format renders the entry as a ledger line without the newline.
func (e Entry) Format(delimiter string) string {
	line := e.At.Format(timeLayout) + delimiter + e.Label
	if e.Value == "" {
		return line
	}

	line += ": " + e.Value
	if e.Unit != "" {
		line += " " + e.Unit
	}

	return line
}

// Ledger is an append-only event log. Every Append reaches the file before it returns.
type Ledger struct {
	mu sync.Mutex

	path      string
	delimiter string
	started   time.Time
	entries   []Entry
	closed    bool
}

// Option configures a ledger.
type Option func(*Ledger)

// WithDelimiter sets the separator between timestamp and label.
func WithDelimiter(delimiter string) Option {
	return func(l *Ledger) {
		if delimiter != "" {
			l.delimiter = delimiter
		}
	}
}

// New returns a ledger writing to path. started is the session start used in
// the finalized header.
func New(path string, started time.Time, opts ...Option) *Ledger {
	l := &Ledger{
		path:      filepath.Clean(path),
		delimiter: DefaultDelimiter,
		started:   started,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// PathFor returns the ledger path paired with a data file path.
func PathFor(dataPath string) string {
	return strings.TrimSuffix(dataPath, filepath.Ext(dataPath)) + Suffix
}

// Header returns the two header lines of a finalized ledger.
func (l *Ledger) Header() []string {
	return []string{Title, "Abacus session began at " + l.started.Format(time.ANSIC)}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.path
}

// Started returns the session start time.
func (l *Ledger) Started() time.Time {
	return l.started
}

// Append records one event and writes it to the file immediately.
// value and unit may be empty.
func (l *Ledger) Append(at time.Time, label, value, unit string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return &abacus.PersistenceError{Op: "append", Path: l.path, Err: ErrClosed}
	}

	entry := Entry{At: at, Label: label, Value: value, Unit: unit}
	l.entries = append(l.entries, entry)

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, fileutil.FilePermissions)
	if err != nil {
		return &abacus.PersistenceError{Op: "open ledger", Path: l.path, Err: err}
	}

	_, writeErr := io.WriteString(file, entry.Format(l.delimiter)+"\n")
	syncErr := file.Sync()
	closeErr := file.Close()

	if err := errors.Join(writeErr, syncErr, closeErr); err != nil {
		return &abacus.PersistenceError{Op: "append", Path: l.path, Err: err}
	}

	return nil
}

// Entries returns the events recorded so far.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]Entry(nil), l.entries...)
}

// Relocate copies the ledger to newPath and continues there. With removeOld the
// previous file is deleted after a successful copy.
func (l *Ledger) Relocate(newPath string, removeOld bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	newPath = filepath.Clean(newPath)
	if fileutil.SamePath(l.path, newPath) {
		return nil
	}

	if _, err := os.Stat(l.path); errors.Is(err, os.ErrNotExist) {
		l.path = newPath

		return nil
	}

	if err := fileutil.CopyLines(l.path, newPath); err != nil {
		return &abacus.PersistenceError{Op: "copy to " + newPath, Path: l.path, Err: err}
	}

	oldPath := l.path
	l.path = newPath

	if removeOld {
		if err := fileutil.RemoveIfExists(oldPath); err != nil {
			return &abacus.PersistenceError{Op: "remove old ledger", Path: oldPath, Err: err}
		}
	}

	return nil
}

// Finalize closes the ledger. When data holds no rows both files are deleted.
// Otherwise the ledger is atomically rewritten as the header followed by every
// recorded line.
func (l *Ledger) Finalize(data DataFile) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	rows, err := data.PersistedRows()
	if err != nil {
		return err
	}

	if rows == 0 {
		l.closed = true

		dataErr := data.Remove()

		var ledgerErr error
		if err := fileutil.RemoveIfExists(l.path); err != nil {
			ledgerErr = &abacus.PersistenceError{Op: "remove empty ledger", Path: l.path, Err: err}
		}

		return errors.Join(dataErr, ledgerErr)
	}

	lines, err := l.bodyLocked()
	if err != nil {
		return err
	}

	err = fileutil.WriteAtomic(l.path, func(w io.Writer) error {
		for _, line := range append(l.Header(), lines...) {
			if _, err := io.WriteString(w, line+"\n"); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return &abacus.PersistenceError{Op: "finalize", Path: l.path, Err: err}
	}

	l.closed = true

	return nil
}

// bodyLocked returns the event lines to keep: the file content when present,
// else the in-memory entries. Caller holds l.mu.
func (l *Ledger) bodyLocked() ([]string, error) {
	data, err := os.ReadFile(l.path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		lines := make([]string, len(l.entries))
		for i, entry := range l.entries {
			lines[i] = entry.Format(l.delimiter)
		}

		return lines, nil
	case err != nil:
		return nil, &abacus.PersistenceError{Op: "read ledger", Path: l.path, Err: err}
	}

	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil, nil
	}

	return strings.Split(text, "\n"), nil
}
