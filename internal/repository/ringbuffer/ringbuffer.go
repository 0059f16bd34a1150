// Package ringbuffer implements the bounded in-memory store of measurement
// rows that backs both the live display and the data file.
//
// The buffer keeps the newest Capacity rows live. Every row reaches the data
// file exactly once: when it leaves the live window, on Save, or on Close,
// whichever comes first. A failed write never drops rows; evicted rows that
// could not be written are retained and retried on the next Extend or Save.
package ringbuffer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/oshokin/abacus-daq/internal/domain/abacus"
	"github.com/oshokin/abacus-daq/internal/repository/fileutil"
)

const (
	// DefaultCapacity is the live window size.
	DefaultCapacity = 100

	// DefaultDelimiter separates data file columns.
	DefaultDelimiter = ","
)

var (
	// ErrNotAvailable means the row is outside the live window. Evicted rows
	// are only available from the data file.
	ErrNotAvailable = errors.New("row not in live window")
	// ErrClosed means the buffer was closed.
	ErrClosed = errors.New("ring buffer closed")
)

// Buffer is a fixed-capacity circular store of rows with incremental flush to a file.
type Buffer struct {
	// mu guards every field below.
	mu sync.RWMutex

	// path is the data file.
	path string
	// delimiter separates columns.
	delimiter string
	// header holds the column titles.
	header []string
	// capacity is the live window size.
	capacity int

	// rows is the ring storage.
	rows []abacus.Row
	// head is the ring index of the oldest live row.
	head int
	// size is the number of live rows.
	size int
	// total counts rows ever appended.
	total int
	// flushed counts rows written to the file; rows [0, flushed) are on disk.
	flushed int
	// spill holds evicted rows not yet on disk: rows [flushed, total-size).
	spill []abacus.Row

	// partial counts bytes of the next pending row already on disk after a short write.
	partial int

	// file is the open data file; nil once closed.
	file dataFile
}

// dataFile is the part of *os.File the buffer writes through.
type dataFile interface {
	io.StringWriter
	io.Closer
	Sync() error
}

// Option configures a buffer.
type Option func(*Buffer)

// WithCapacity sets the live window size.
func WithCapacity(capacity int) Option {
	return func(b *Buffer) {
		if capacity > 0 {
			b.capacity = capacity
		}
	}
}

// WithDelimiter sets the column delimiter.
func WithDelimiter(delimiter string) Option {
	return func(b *Buffer) {
		if delimiter != "" {
			b.delimiter = delimiter
		}
	}
}

// New opens path for appending and returns an empty buffer whose rows have the
// shape of header. The header line is written when the file is new or empty.
func New(path string, header []string, opts ...Option) (*Buffer, error) {
	b := &Buffer{
		path:      filepath.Clean(path),
		delimiter: DefaultDelimiter,
		header:    append([]string(nil), header...),
		capacity:  DefaultCapacity,
	}

	for _, opt := range opts {
		opt(b)
	}

	b.rows = make([]abacus.Row, b.capacity)

	file, err := openAppend(b.path)
	if err != nil {
		return nil, &abacus.PersistenceError{Op: "open data file", Path: b.path, Err: err}
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, &abacus.PersistenceError{Op: "stat data file", Path: b.path, Err: err}
	}

	if info.Size() == 0 {
		if _, err := file.WriteString(strings.Join(b.header, b.delimiter) + "\n"); err != nil {
			_ = file.Close()

			return nil, &abacus.PersistenceError{Op: "write header", Path: b.path, Err: err}
		}
	}

	b.file = file

	return b, nil
}

// openAppend opens path for appending, creating it if needed.
func openAppend(path string) (*os.File, error) {
	return os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, fileutil.FilePermissions)
}

// Extend appends one row. When the live window is full the oldest row is
// evicted and written to the file if it was not written already.
func (b *Buffer) Extend(row abacus.Row) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		return &abacus.PersistenceError{Op: "extend", Path: b.path, Err: ErrClosed}
	}

	if row.Width() != len(b.header) {
		return &abacus.ExperimentError{
			Param:  "row",
			Value:  row.Width(),
			Err:    abacus.ErrInvalidTopology,
			Detail: fmt.Sprintf("row has %d columns, file has %d", row.Width(), len(b.header)),
		}
	}

	if b.size == b.capacity {
		evicted := b.total - b.size
		if evicted >= b.flushed {
			b.spill = append(b.spill, b.rows[b.head])
		}

		b.rows[b.head] = abacus.Row{}
		b.head = (b.head + 1) % b.capacity
		b.size--
	}

	b.rows[(b.head+b.size)%b.capacity] = row.Clone()
	b.size++
	b.total++

	return b.flushSpillLocked()
}

// Save writes every row not yet on disk. Calling it again writes nothing.
func (b *Buffer) Save() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.saveLocked()
}

// saveLocked flushes spilled rows then unflushed live rows. Caller holds b.mu.
func (b *Buffer) saveLocked() error {
	if b.file == nil {
		if b.flushed == b.total {
			return nil
		}

		return &abacus.PersistenceError{Op: "save", Path: b.path, Err: ErrClosed}
	}

	if err := b.flushSpillLocked(); err != nil {
		return err
	}

	liveStart := b.total - b.size
	if b.flushed == b.total {
		return nil
	}

	pending := make([]abacus.Row, 0, b.total-b.flushed)
	for i := max(b.flushed, liveStart); i < b.total; i++ {
		pending = append(pending, b.rows[(b.head+i-liveStart)%b.capacity])
	}

	written, err := b.writeRowsLocked(pending)
	b.flushed += written

	if err != nil {
		return &abacus.PersistenceError{Op: "save rows", Path: b.path, Err: err}
	}

	return nil
}

// flushSpillLocked writes evicted rows. Caller holds b.mu.
func (b *Buffer) flushSpillLocked() error {
	if len(b.spill) == 0 {
		return nil
	}

	written, err := b.writeRowsLocked(b.spill)
	b.flushed += written
	b.spill = append([]abacus.Row(nil), b.spill[written:]...)

	if err != nil {
		return &abacus.PersistenceError{Op: "flush evicted rows", Path: b.path, Err: err}
	}

	return nil
}

// writeRowsLocked writes rows in one call and returns how many complete lines
// reached the file. After a short write the bytes of the torn line already on
// disk are remembered, and the next call resumes that line instead of
// repeating it. Caller holds b.mu.
func (b *Buffer) writeRowsLocked(rows []abacus.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	for _, row := range rows {
		sb.WriteString(b.FormatRow(row))
		sb.WriteByte('\n')
	}

	data := sb.String()
	skip := min(b.partial, len(data))

	n, err := b.file.WriteString(data[skip:])
	if err != nil {
		done := data[:skip+n]
		b.partial = len(done) - (strings.LastIndexByte(done, '\n') + 1)

		return strings.Count(done, "\n"), err
	}

	b.partial = 0

	return len(rows), nil
}

// FormatRow renders row as one data file line without the newline: elapsed
// seconds with three decimals, then the counts.
func (b *Buffer) FormatRow(row abacus.Row) string {
	fields := make([]string, 0, row.Width())
	fields = append(fields, strconv.FormatFloat(row.Elapsed, 'f', 3, 64))

	for _, v := range row.Detectors {
		fields = append(fields, strconv.FormatUint(v, 10))
	}

	for _, v := range row.Coincidences {
		fields = append(fields, strconv.FormatUint(v, 10))
	}

	return strings.Join(fields, b.delimiter)
}

// Relocate moves the data file to newPath. The caller must stop acquisition
// first. The current content is copied line by line; future writes go to
// newPath. With removeOld the previous file is deleted after a successful copy.
// If the copy fails, the original file stays in place and in use.
func (b *Buffer) Relocate(newPath string, removeOld bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	newPath = filepath.Clean(newPath)
	if fileutil.SamePath(b.path, newPath) {
		return nil
	}

	if b.file == nil {
		return &abacus.PersistenceError{Op: "relocate", Path: b.path, Err: ErrClosed}
	}

	if err := b.file.Sync(); err != nil {
		return &abacus.PersistenceError{Op: "sync before relocate", Path: b.path, Err: err}
	}

	if err := fileutil.CopyLines(b.path, newPath); err != nil {
		return &abacus.PersistenceError{Op: "copy to " + newPath, Path: b.path, Err: err}
	}

	file, err := openAppend(newPath)
	if err != nil {
		return &abacus.PersistenceError{Op: "open relocated file", Path: newPath, Err: err}
	}

	oldPath := b.path
	_ = b.file.Close()
	b.file = file
	b.path = newPath

	if removeOld {
		if err := fileutil.RemoveIfExists(oldPath); err != nil {
			return &abacus.PersistenceError{Op: "remove old data file", Path: oldPath, Err: err}
		}
	}

	return nil
}

// At returns the row with absolute index i (0 is the first row ever appended).
// Only rows in the live window are available.
func (b *Buffer) At(i int) (abacus.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	liveStart := b.total - b.size
	if i < liveStart || i >= b.total {
		return abacus.Row{}, fmt.Errorf("%w: index %d, live [%d, %d)", ErrNotAvailable, i, liveStart, b.total)
	}

	return b.rows[(b.head+i-liveStart)%b.capacity].Clone(), nil
}

// Window returns copies of the live rows, oldest first.
func (b *Buffer) Window() []abacus.Row {
	b.mu.RLock()
	defer b.mu.RUnlock()

	window := make([]abacus.Row, b.size)
	for i := range window {
		window[i] = b.rows[(b.head+i)%b.capacity].Clone()
	}

	return window
}

// Latest returns the newest row.
func (b *Buffer) Latest() (abacus.Row, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return abacus.Row{}, false
	}

	return b.rows[(b.head+b.size-1)%b.capacity].Clone(), true
}

// Len returns the number of live rows.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.size
}

// Capacity returns the live window size.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Total returns the number of rows ever appended.
func (b *Buffer) Total() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.total
}

// Flushed returns the number of rows written to the file.
func (b *Buffer) Flushed() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.flushed
}

// Dirty reports whether rows are waiting to be written.
func (b *Buffer) Dirty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.flushed < b.total
}

// Path returns the data file path.
func (b *Buffer) Path() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.path
}

// PersistedRows counts data rows in the file, excluding the header.
func (b *Buffer) PersistedRows() (int, error) {
	lines, err := fileutil.CountLines(b.Path())
	if err != nil {
		return 0, &abacus.PersistenceError{Op: "count rows", Path: b.Path(), Err: err}
	}

	return max(lines-1, 0), nil
}

// Close writes pending rows and closes the file. It is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		return nil
	}

	saveErr := b.saveLocked()
	closeErr := b.file.Close()
	b.file = nil

	if closeErr != nil {
		closeErr = &abacus.PersistenceError{Op: "close data file", Path: b.path, Err: closeErr}
	}

	return errors.Join(saveErr, closeErr)
}

// Remove closes the buffer without saving and deletes the data file.
func (b *Buffer) Remove() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}

	if err := fileutil.RemoveIfExists(b.path); err != nil {
		return &abacus.PersistenceError{Op: "remove data file", Path: b.path, Err: err}
	}

	return nil
}
