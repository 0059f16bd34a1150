package console_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/abacus-daq/internal/console"
	"github.com/oshokin/abacus-daq/internal/domain/abacus"
	"github.com/oshokin/abacus-daq/internal/scheduler"
	"github.com/oshokin/abacus-daq/internal/service/acquisition"
)

type stubController struct {
	mock.Mock
}

func (s *stubController) StartStreaming(ctx context.Context) error {
	return s.Called(ctx).Error(0)
}

func (s *stubController) StopStreaming(ctx context.Context) error {
	return s.Called(ctx).Error(0)
}

func (s *stubController) SetSampling(ctx context.Context, ms int) error {
	return s.Called(ctx, ms).Error(0)
}

func (s *stubController) SetCoinWindow(ctx context.Context, ns int) error {
	return s.Called(ctx, ns).Error(0)
}

func (s *stubController) SetTimer(ctx context.Context, kind abacus.TimerKind, channel string, ns int) error {
	return s.Called(ctx, kind, channel, ns).Error(0)
}

func (s *stubController) Save(ctx context.Context) error {
	return s.Called(ctx).Error(0)
}

func (s *stubController) Relocate(ctx context.Context, name string, removeOld bool) (string, error) {
	args := s.Called(ctx, name, removeOld)

	return args.String(0), args.Error(1)
}

func (s *stubController) Connect(ctx context.Context, port string) error {
	return s.Called(ctx, port).Error(0)
}

func (s *stubController) Status(ctx context.Context) acquisition.Status {
	return s.Called(ctx).Get(0).(acquisition.Status)
}

type stubView struct {
	plot string
	live bool
	out  io.Writer
}

func (v *stubView) LastPlot() string        { return v.plot }
func (v *stubView) SetLive(live bool)       { v.live = live }
func (v *stubView) SetOutput(out io.Writer) { v.out = out }

func newConsole(t *testing.T, opts ...console.Option) (*console.Console, *stubController, *bytes.Buffer) {
	t.Helper()

	ctrl := &stubController{}
	t.Cleanup(func() { ctrl.AssertExpectations(t) })

	var out bytes.Buffer

	return console.New(ctrl, append([]console.Option{console.WithOutput(&out)}, opts...)...), ctrl, &out
}

// TestExecute_Acquisition verifies the acquisition commands reach the controller.
func TestExecute_Acquisition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, ctrl, out := newConsole(t)

	ctrl.On("StartStreaming", ctx).Return(nil).Once()
	require.False(t, c.Execute(ctx, "start"))
	require.Contains(t, out.String(), "Streaming started.")

	ctrl.On("SetSampling", ctx, 100).Return(nil).Once()
	require.False(t, c.Execute(ctx, "  sampling   100 "))
	require.Contains(t, out.String(), "Sampling time set to 100 ms")

	invalid := &abacus.ExperimentError{Param: "coincidence_window", Value: 12, Err: abacus.ErrInvalidValue}
	ctrl.On("SetCoinWindow", ctx, 12).Return(invalid).Once()
	out.Reset()
	require.False(t, c.Execute(ctx, "coin 12"))
	require.Contains(t, out.String(), "error: ")

	ctrl.On("StopStreaming", ctx).Return(nil).Once()
	require.False(t, c.Execute(ctx, "STOP"))
	require.Contains(t, out.String(), "Streaming stopped.")
}

// TestExecute_Timers verifies delay and sleep reach the controller with an upper-cased channel.
func TestExecute_Timers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, ctrl, out := newConsole(t)

	ctrl.On("SetTimer", ctx, abacus.TimerDelay, "A", 25).Return(nil).Once()
	require.False(t, c.Execute(ctx, "delay a 25"))
	require.Contains(t, out.String(), "Delay A set to 25 ns")

	ctrl.On("SetTimer", ctx, abacus.TimerSleep, "D", 60).Return(nil).Once()
	require.False(t, c.Execute(ctx, "sleep D 60"))
	require.Contains(t, out.String(), "Sleep D set to 60 ns")

	invalid := &abacus.ExperimentError{Param: "sleep", Value: 12, Min: 0, Max: 200, Step: 5, Err: abacus.ErrInvalidValue}
	ctrl.On("SetTimer", ctx, abacus.TimerSleep, "B", 12).Return(invalid).Once()
	out.Reset()
	require.False(t, c.Execute(ctx, "sleep b 12"))
	require.Contains(t, out.String(), "error: ")
	require.NotContains(t, out.String(), "set to")
}

// TestExecute_BadArguments verifies malformed commands never reach the controller.
func TestExecute_BadArguments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _, out := newConsole(t)

	for _, line := range []string{"sampling", "sampling fast", "coin 1 2", "output", "output a b", "output --force a", "connect a b", "watch", "delay A", "delay A 5 5", "sleep B slow"} {
		out.Reset()
		require.False(t, c.Execute(ctx, line), line)
		require.Contains(t, out.String(), "error: ", line)
	}

	out.Reset()
	require.False(t, c.Execute(ctx, "frobnicate"))
	require.Contains(t, out.String(), "Unknown command: frobnicate")

	out.Reset()
	require.False(t, c.Execute(ctx, "   "))
	require.Empty(t, out.String())
}

// TestExecute_Output verifies the --keep flag maps onto removeOld.
func TestExecute_Output(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, ctrl, out := newConsole(t)

	ctrl.On("Relocate", ctx, "run2.csv", true).Return("run2.csv", nil).Once()
	require.False(t, c.Execute(ctx, "output run2.csv"))
	require.Contains(t, out.String(), "Data file is now run2.csv")

	ctrl.On("Relocate", ctx, "run3", false).Return("run3.csv", nil).Once()
	require.False(t, c.Execute(ctx, "output --keep run3"))
	require.Contains(t, out.String(), "Data file is now run3.csv")

	streaming := &abacus.ExperimentError{Param: "output", Err: abacus.ErrStreaming}
	ctrl.On("Relocate", ctx, "run4", true).Return("", streaming).Once()
	out.Reset()
	require.False(t, c.Execute(ctx, "output run4"))
	require.Contains(t, out.String(), "error: ")
}

// TestExecute_DeviceAndStatus verifies connect, ports and status output.
func TestExecute_DeviceAndStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, ctrl, out := newConsole(t, console.WithPortLister(func(context.Context) ([]string, error) {
		return []string{"/dev/ttyACM0"}, nil
	}))

	status := acquisition.Status{
		Port:      "/dev/ttyACM0",
		Connected: true,
		Config:    abacus.SessionConfig{Version: 2, SamplingMs: 500, CoincidenceWindowNs: 10, SleepsNs: abacus.DetectorTimers{0, 25, 0, 0}},
		Intervals: scheduler.Derive(500*time.Millisecond, scheduler.DefaultFloors(), scheduler.DefaultHealthInterval),
		Rows:      7,
		Output:    "abacus-data.dat",
		Ledger:    "abacus-data_params.txt",
	}

	ctrl.On("Connect", ctx, "").Return(nil).Once()
	ctrl.On("Status", ctx).Return(status)

	require.False(t, c.Execute(ctx, "connect"))
	require.Contains(t, out.String(), "Connected to /dev/ttyACM0")

	out.Reset()
	require.False(t, c.Execute(ctx, "ports"))
	require.Equal(t, "  /dev/ttyACM0\n", out.String())

	out.Reset()
	require.False(t, c.Execute(ctx, "status"))
	require.Contains(t, out.String(), "connected")
	require.Contains(t, out.String(), "500 ms")
	require.Contains(t, out.String(), "abacus-data_params.txt")
	require.Contains(t, out.String(), "A 0, B 25, C 0, D 0 ns")

	ctrl.On("Connect", ctx, "/dev/ttyUSB1").Return(errors.New("no counter on port")).Once()
	out.Reset()
	require.False(t, c.Execute(ctx, "connect /dev/ttyUSB1"))
	require.Equal(t, "error: no counter on port\n", out.String())
}

// TestExecute_ViewAndQuit verifies plot, watch and quit.
func TestExecute_ViewAndQuit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	view := &stubView{live: true}
	c, _, out := newConsole(t, console.WithView(view))

	require.False(t, c.Execute(ctx, "plot"))
	require.Contains(t, out.String(), "Not enough rows")

	view.plot = "A ▁█ 1..2"
	out.Reset()
	require.False(t, c.Execute(ctx, "plot"))
	require.Equal(t, "A ▁█ 1..2\n", out.String())

	require.False(t, c.Execute(ctx, "watch off"))
	require.False(t, view.live)
	require.False(t, c.Execute(ctx, "watch on"))
	require.True(t, view.live)

	require.True(t, c.Execute(ctx, "quit"))
	require.True(t, c.Execute(ctx, "exit"))
}

// TestRun_RequiresOpen verifies Run refuses to start without a line editor.
func TestRun_RequiresOpen(t *testing.T) {
	t.Parallel()

	c, _, _ := newConsole(t)
	require.Error(t, c.Run(context.Background()))
}
