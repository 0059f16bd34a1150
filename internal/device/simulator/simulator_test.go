package simulator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/abacus-daq/internal/device/protocol"
)

// exchange writes a request and decodes the whole pending response.
func exchange(t *testing.T, d *Device, req []byte, registers int) []uint32 {
	t.Helper()

	_, err := d.Write(req)
	require.NoError(t, err)

	buf := make([]byte, 512)
	n, err := d.Read(buf)
	require.NoError(t, err)

	_, err = protocol.CheckHeader(buf[:protocol.HeaderSize], registers)
	require.NoError(t, err)

	values, err := protocol.DecodeBody(buf[protocol.HeaderSize:n])
	require.NoError(t, err)

	return values
}

// TestDevice_RegistersAndCounters checks identity, writes and scripted counters.
func TestDevice_RegistersAndCounters(t *testing.T) {
	t.Parallel()

	d := New(WithScript(
		map[string]uint64{"A": 10, "B": 12, "AB": 3},
		map[string]uint64{"A": 11, "B": 13, "AB": 4},
	))

	require.Equal(t, []uint32{protocol.Identity}, exchange(t, d, protocol.EncodeRead(protocol.RegIdentity, 1), 1))
	require.Equal(t, []uint32{1000}, exchange(t, d, protocol.EncodeWrite(protocol.RegSampling, 1000), 1))
	require.Equal(t, uint32(1000), d.Register(protocol.RegSampling))
	require.Equal(t, 1, d.Writes())

	counters := exchange(t, d, protocol.EncodeRead(protocol.RegCountersBase, len(protocol.CounterChannels)), 10)
	require.Equal(t, uint32(10), counters[0])
	require.Equal(t, uint32(12), counters[1])
	require.Equal(t, uint32(3), counters[4])

	counters = exchange(t, d, protocol.EncodeRead(protocol.RegCountersBase, len(protocol.CounterChannels)), 10)
	require.Equal(t, uint32(11), counters[0])

	// The script repeats its last row.
	counters = exchange(t, d, protocol.EncodeRead(protocol.RegCountersBase, len(protocol.CounterChannels)), 10)
	require.Equal(t, uint32(4), counters[4])
	require.Equal(t, 3, d.CounterReads())
}

// TestDevice_FaultInjection covers mute, unplug and close.
func TestDevice_FaultInjection(t *testing.T) {
	t.Parallel()

	d := New()
	d.Mute(true)

	_, err := d.Write(protocol.EncodeRead(protocol.RegIdentity, 1))
	require.NoError(t, err)

	n, err := d.Read(make([]byte, 16))
	require.NoError(t, err)
	require.Zero(t, n)

	d.Unplug(nil)

	_, err = d.Read(make([]byte, 16))
	require.Error(t, err)

	closed := New()
	require.NoError(t, closed.Close())

	_, err = closed.Write([]byte{protocol.CmdRead})
	require.ErrorIs(t, err, ErrClosed)
}
