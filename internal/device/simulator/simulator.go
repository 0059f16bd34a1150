// Package simulator provides an in-process coincidence counter that speaks the
// serial protocol. It backs the --simulate flag and the tests of every layer
// above the transport.
package simulator

import (
	"bytes"
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/oshokin/abacus-daq/internal/device/protocol"
)

// CountSource produces the counter values returned by the n-th counter read
// (starting at zero). Channels missing from the map read as zero.
type CountSource func(n int) map[string]uint64

// Device is a simulated counter. It implements the transport surface the
// device session needs: Read, Write, Close, SetReadTimeout and ResetInputBuffer.
// Read never blocks: with no pending response it returns (0, nil), which is how
// a serial port reports a read timeout.
type Device struct {
	mu sync.Mutex

	registers map[byte]uint32
	pending   bytes.Buffer
	request   []byte
	source    CountSource
	reads     int
	writes    int
	muted     bool
	corrupt   bool
	failure   error
	closed    bool
	timeout   time.Duration
}

// Option configures a simulated device.
type Option func(*Device)

// ErrClosed is returned by I/O on a closed simulated port.
var ErrClosed = errors.New("simulated port closed")

// WithCounts sets the source of counter values.
func WithCounts(source CountSource) Option {
	return func(d *Device) {
		if source != nil {
			d.source = source
		}
	}
}

// WithScript replays rows in order; the last row repeats once the script ends.
func WithScript(rows ...map[string]uint64) Option {
	return WithCounts(func(n int) map[string]uint64 {
		if len(rows) == 0 {
			return nil
		}

		return rows[min(n, len(rows)-1)]
	})
}

// New creates a simulated counter with power-on register values.
func New(opts ...Option) *Device {
	d := &Device{
		registers: map[byte]uint32{
			protocol.RegSampling:          500,
			protocol.RegCoincidenceWindow: 10,
			protocol.RegIdentity:          protocol.Identity,
		},
		source: RandomCounts(rand.New(rand.NewPCG(1, 2))), //nolint:gosec // Simulated counts need no crypto randomness.
	}

	for i := range protocol.DetectorRegisters {
		d.registers[protocol.RegDelayBase+byte(i)] = 0
		d.registers[protocol.RegSleepBase+byte(i)] = 0
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// RandomCounts returns a source producing plausible detector rates with
// coincidences a small fraction of the smaller detector count.
func RandomCounts(r *rand.Rand) CountSource {
	var mu sync.Mutex

	return func(int) map[string]uint64 {
		mu.Lock()
		defer mu.Unlock()

		counts := make(map[string]uint64, len(protocol.CounterChannels))
		for _, ch := range []string{"A", "B", "C", "D"} {
			counts[ch] = uint64(900 + r.IntN(200))
		}

		for _, pair := range []string{"AB", "AC", "AD", "BC", "BD", "CD"} {
			low := min(counts[pair[:1]], counts[pair[1:]])
			counts[pair] = low/20 + uint64(r.IntN(10))
		}

		return counts
	}
}

// Read returns pending response bytes.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.failure != nil:
		return 0, d.failure
	case d.closed:
		return 0, ErrClosed
	case d.pending.Len() == 0:
		return 0, nil
	}

	return d.pending.Read(p)
}

// Write accepts request bytes and queues the responses.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failure != nil {
		return 0, d.failure
	}

	if d.closed {
		return 0, ErrClosed
	}

	d.request = append(d.request, p...)

	for {
		req, n, err := protocol.DecodeRequest(d.request)
		if errors.Is(err, protocol.ErrIncomplete) {
			break
		}

		d.request = d.request[n:]

		if err != nil || d.muted {
			continue
		}

		d.respond(req)
	}

	return len(p), nil
}

// respond queues the response to one request. Caller holds d.mu.
func (d *Device) respond(req protocol.Request) {
	if req.Command == protocol.CmdWrite {
		d.writes++
		d.registers[req.Address] = req.Value
	}

	values := make([]uint32, req.Count)

	if req.Command == protocol.CmdRead && req.Address >= protocol.RegCountersBase &&
		int(req.Address-protocol.RegCountersBase) < len(protocol.CounterChannels) {
		counts := d.source(d.reads)
		d.reads++

		for i := range values {
			idx := int(req.Address-protocol.RegCountersBase) + i
			if idx < len(protocol.CounterChannels) {
				values[i] = uint32(counts[protocol.CounterChannels[idx]]) //nolint:gosec // Counters are 32-bit on the wire.
			}
		}
	} else {
		for i := range values {
			values[i] = d.registers[req.Address+byte(i)]
		}
	}

	frame := protocol.EncodeResponse(values)
	if d.corrupt {
		frame[len(frame)-1] ^= 0xFF
	}

	d.pending.Write(frame)
}

// Close marks the port closed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true

	return nil
}

// SetReadTimeout records the timeout; reads never block.
func (d *Device) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.timeout = t

	return nil
}

// ResetInputBuffer drops pending response bytes.
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failure != nil {
		return d.failure
	}

	d.pending.Reset()

	return nil
}

// Reopen clears the closed flag so the same instrument can serve a new session.
func (d *Device) Reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = false
	d.request = nil
	d.pending.Reset()
}

// SetRegister changes a register as if from the instrument's front panel.
func (d *Device) SetRegister(addr byte, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.registers[addr] = value
}

// Register returns a register value.
func (d *Device) Register(addr byte) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.registers[addr]
}

// Writes returns how many register writes the instrument has accepted.
func (d *Device) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.writes
}

// CounterReads returns how many counter reads the instrument has served.
func (d *Device) CounterReads() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.reads
}

// Mute makes the instrument ignore requests, producing timeouts.
func (d *Device) Mute(muted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.muted = muted
}

// Corrupt makes the instrument send responses with a bad checksum.
func (d *Device) Corrupt(corrupt bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.corrupt = corrupt
}

// Unplug makes every further I/O fail with err, as when the cable is pulled.
// A nil err uses io.ErrUnexpectedEOF.
func (d *Device) Unplug(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err == nil {
		err = io.ErrUnexpectedEOF
	}

	d.failure = err
}

// Timeout returns the last read timeout set by the host.
func (d *Device) Timeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.timeout
}
