package experiment_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/abacus-daq/internal/device"
	"github.com/oshokin/abacus-daq/internal/domain/abacus"
	"github.com/oshokin/abacus-daq/internal/experiment"
	"github.com/oshokin/abacus-daq/internal/repository/ledger"
	"github.com/oshokin/abacus-daq/internal/repository/ringbuffer"
)

type stubDevice struct{ mock.Mock }

func (d *stubDevice) Name() string           { return d.Called().String(0) }
func (d *stubDevice) State() device.State    { return d.Called().Get(0).(device.State) }
func (d *stubDevice) Sampling() int          { return d.Called().Int(0) }
func (d *stubDevice) CoincidenceWindow() int { return d.Called().Int(0) }
func (d *stubDevice) SetSampling(ms int) error {
	return d.Called(ms).Error(0)
}
func (d *stubDevice) SetCoincidenceWindow(ns int) error {
	return d.Called(ns).Error(0)
}
func (d *stubDevice) Timers(kind abacus.TimerKind) abacus.DetectorTimers {
	return d.Called(kind).Get(0).(abacus.DetectorTimers)
}
func (d *stubDevice) SetTimer(kind abacus.TimerKind, channel string, ns int) error {
	return d.Called(kind, channel, ns).Error(0)
}
func (d *stubDevice) PeriodicCheck() (device.Divergence, error) {
	ret := d.Called()
	return ret.Get(0).(device.Divergence), ret.Error(1)
}
func (d *stubDevice) CurrentValues() (device.Reading, error) {
	ret := d.Called()
	return ret.Get(0).(device.Reading), ret.Error(1)
}
func (d *stubDevice) BeginStreaming() error { return d.Called().Error(0) }
func (d *stubDevice) EndStreaming()         { d.Called() }
func (d *stubDevice) Close() error          { return d.Called().Error(0) }

var (
	topology = abacus.Topology{Detectors: []string{"A", "B"}, Coincidences: []string{"AB"}}
	t0       = time.Date(2024, time.March, 5, 14, 2, 7, 0, time.UTC)
)

func newStubDevice() *stubDevice {
	dev := &stubDevice{}
	dev.On("Name").Return("sim0").Maybe()
	dev.On("Sampling").Return(500).Maybe()
	dev.On("CoincidenceWindow").Return(10).Maybe()
	dev.On("Timers", mock.Anything).Return(abacus.DetectorTimers{}).Maybe()
	dev.On("Close").Return(nil).Maybe()

	return dev
}

func reading(at time.Time, a, b, ab uint64) device.Reading {
	return device.Reading{At: at, Counts: map[string]uint64{"A": a, "B": b, "AB": ab, "C": 99}}
}

type fixture struct {
	exp      *experiment.Experiment
	dataPath string
}

func newFixture(t *testing.T, dev experiment.Device) fixture {
	t.Helper()

	dataPath := filepath.Join(t.TempDir(), "run.dat")

	buffer, err := ringbuffer.New(dataPath, topology.Header(), ringbuffer.WithCapacity(4))
	require.NoError(t, err)

	params := ledger.New(ledger.PathFor(dataPath), t0)

	exp, err := experiment.New(dev, topology, buffer, params, experiment.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)

	return fixture{exp: exp, dataPath: dataPath}
}

func ledgerLines(t *testing.T, path string) []string {
	t.Helper()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}

	require.NoError(t, err)

	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

// TestNew_RejectsInvalidTopology verifies topology validation happens up front.
func TestNew_RejectsInvalidTopology(t *testing.T) {
	t.Parallel()

	_, err := experiment.New(nil, abacus.Topology{}, nil, nil)
	require.ErrorIs(t, err, abacus.ErrInvalidTopology)
}

// TestExperiment_InitialConfig verifies the snapshot mirrors the instrument or defaults.
func TestExperiment_InitialConfig(t *testing.T) {
	t.Parallel()

	dev := &stubDevice{}
	dev.On("Sampling").Return(200).Once()
	dev.On("CoincidenceWindow").Return(25).Once()
	dev.On("Timers", abacus.TimerDelay).Return(abacus.DetectorTimers{5, 0, 0, 0}).Once()
	dev.On("Timers", abacus.TimerSleep).Return(abacus.DetectorTimers{}).Once()

	f := newFixture(t, dev)
	require.Equal(t, abacus.SessionConfig{
		SamplingMs:          200,
		CoincidenceWindowNs: 25,
		DelaysNs:            abacus.DetectorTimers{5, 0, 0, 0},
	}, f.exp.Config())
	require.Equal(t, 2, f.exp.NumDetectors())
	require.Equal(t, 1, f.exp.NumCoins())

	offline := newFixture(t, nil)
	require.Equal(t, abacus.DefaultSessionConfig(), offline.exp.Config())
	require.False(t, offline.exp.Connected())
}

// TestExperiment_PollAnchorsAndClamps verifies elapsed time is relative to the first poll and never negative.
func TestExperiment_PollAnchorsAndClamps(t *testing.T) {
	t.Parallel()

	dev := newStubDevice()
	dev.On("CurrentValues").Return(reading(t0, 10, 12, 3), nil).Once()
	dev.On("CurrentValues").Return(reading(t0.Add(500*time.Millisecond), 11, 13, 4), nil).Once()
	dev.On("CurrentValues").Return(reading(t0.Add(-time.Second), 1, 1, 1), nil).Once()

	f := newFixture(t, dev)
	ctx := context.Background()

	row, err := f.exp.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, abacus.Row{Elapsed: 0, Detectors: []uint64{10, 12}, Coincidences: []uint64{3}}, row)

	row, err = f.exp.Poll(ctx)
	require.NoError(t, err)
	require.InDelta(t, 0.5, row.Elapsed, 1e-9)
	require.Equal(t, []uint64{11, 13}, row.Detectors)

	row, err = f.exp.Poll(ctx)
	require.NoError(t, err)
	require.Zero(t, row.Elapsed)

	dev.AssertExpectations(t)
}

// TestExperiment_PollErrors verifies device errors and a missing session surface unchanged.
func TestExperiment_PollErrors(t *testing.T) {
	t.Parallel()

	commErr := &abacus.CommunicationError{Op: "read counters", Transient: true, Err: abacus.ErrTimeout}

	dev := newStubDevice()
	dev.On("CurrentValues").Return(device.Reading{}, commErr).Once()

	f := newFixture(t, dev)

	_, err := f.exp.Poll(context.Background())
	require.ErrorIs(t, err, abacus.ErrTimeout)
	require.True(t, abacus.IsTransient(err))

	require.NoError(t, f.exp.Discard())

	_, err = f.exp.Poll(context.Background())
	require.ErrorIs(t, err, abacus.ErrSessionClosed)
	require.True(t, abacus.IsFatal(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.exp.Poll(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

// TestExperiment_SetSampling covers validate, device failure and commit.
func TestExperiment_SetSampling(t *testing.T) {
	t.Parallel()

	t.Run("invalid value never reaches the device", func(t *testing.T) {
		t.Parallel()

		dev := newStubDevice()
		f := newFixture(t, dev)

		cfg, err := f.exp.SetSampling(300)
		require.ErrorIs(t, err, abacus.ErrInvalidValue)
		require.True(t, abacus.IsExperiment(err))
		require.Equal(t, 500, cfg.SamplingMs)
		require.Zero(t, cfg.Version)
		dev.AssertNotCalled(t, "SetSampling", mock.Anything)
		require.Nil(t, ledgerLines(t, f.exp.LedgerPath()))
	})

	t.Run("device failure keeps the snapshot", func(t *testing.T) {
		t.Parallel()

		dev := newStubDevice()
		dev.On("SetSampling", 100).Return(&abacus.CommunicationError{Op: "set sampling", Err: abacus.ErrPortLost}).Once()

		f := newFixture(t, dev)

		cfg, err := f.exp.SetSampling(100)
		require.True(t, abacus.IsFatal(err))
		require.Equal(t, abacus.SessionConfig{SamplingMs: 500, CoincidenceWindowNs: 10}, cfg)
		require.Equal(t, cfg, f.exp.Config())
		require.Nil(t, ledgerLines(t, f.exp.LedgerPath()))
	})

	t.Run("accepted value is committed and recorded", func(t *testing.T) {
		t.Parallel()

		dev := newStubDevice()
		dev.On("SetSampling", 100).Return(nil).Once()
		dev.On("SetCoincidenceWindow", 25).Return(nil).Once()

		f := newFixture(t, dev)

		cfg, err := f.exp.SetSampling(100)
		require.NoError(t, err)
		require.Equal(t, abacus.SessionConfig{Version: 1, SamplingMs: 100, CoincidenceWindowNs: 10}, cfg)

		cfg, err = f.exp.SetCoinWindow(25)
		require.NoError(t, err)
		require.Equal(t, abacus.SessionConfig{Version: 2, SamplingMs: 100, CoincidenceWindowNs: 25}, cfg)
		require.Equal(t, cfg, f.exp.Config())

		require.Equal(t, []string{
			"14:02:07,Sampling Time: 100 ms",
			"14:02:07,Coincidence window: 25 ns",
		}, ledgerLines(t, f.exp.LedgerPath()))
		dev.AssertExpectations(t)
	})
}

// TestExperiment_SetCoinWindowOffGrid verifies window values must sit on the step grid.
func TestExperiment_SetCoinWindowOffGrid(t *testing.T) {
	t.Parallel()

	dev := newStubDevice()
	f := newFixture(t, dev)

	for _, ns := range []int{0, 7, 50005} {
		_, err := f.exp.SetCoinWindow(ns)
		require.ErrorIs(t, err, abacus.ErrInvalidValue)
	}

	dev.AssertNotCalled(t, "SetCoincidenceWindow", mock.Anything)
	require.Equal(t, 10, f.exp.Config().CoincidenceWindowNs)
}

// TestExperiment_PeriodicCheckMirrorsDevice verifies divergence updates the snapshot without writing to the device.
func TestExperiment_PeriodicCheckMirrorsDevice(t *testing.T) {
	t.Parallel()

	dev := newStubDevice()
	dev.On("PeriodicCheck").Return(device.Divergence{
		CachedSamplingMs:          500,
		DeviceSamplingMs:          1000,
		CachedCoincidenceWindowNs: 10,
		DeviceCoincidenceWindowNs: 10,
	}, nil).Once()
	dev.On("PeriodicCheck").Return(device.Divergence{
		CachedSamplingMs:          1000,
		DeviceSamplingMs:          1000,
		CachedCoincidenceWindowNs: 10,
		DeviceCoincidenceWindowNs: 10,
	}, nil).Once()

	f := newFixture(t, dev)

	divergence, cfg, err := f.exp.PeriodicCheck()
	require.NoError(t, err)
	require.True(t, divergence.Sampling())
	require.False(t, divergence.CoincidenceWindow())
	require.Equal(t, abacus.SessionConfig{Version: 1, SamplingMs: 1000, CoincidenceWindowNs: 10}, cfg)

	divergence, cfg, err = f.exp.PeriodicCheck()
	require.NoError(t, err)
	require.False(t, divergence.Any())
	require.Equal(t, uint64(1), cfg.Version)

	dev.AssertNotCalled(t, "SetSampling", mock.Anything)
	dev.AssertNotCalled(t, "SetCoincidenceWindow", mock.Anything)
	require.Equal(t, []string{"14:02:07,Sampling Time: 1000 ms"}, ledgerLines(t, f.exp.LedgerPath()))
}

// TestExperiment_SetTimer covers detector timer validation, commit and ledger entries.
func TestExperiment_SetTimer(t *testing.T) {
	t.Parallel()

	dev := newStubDevice()
	dev.On("SetTimer", abacus.TimerDelay, "B", 35).Return(nil).Once()
	dev.On("SetTimer", abacus.TimerSleep, "A", 10).Return(&abacus.CommunicationError{Op: "set sleep A", Err: abacus.ErrPortLost}).Once()

	f := newFixture(t, dev)

	_, err := f.exp.SetTimer(abacus.TimerDelay, "AB", 35)
	require.ErrorIs(t, err, abacus.ErrInvalidValue)

	_, err = f.exp.SetTimer(abacus.TimerDelay, "B", 33)
	require.ErrorIs(t, err, abacus.ErrInvalidValue)

	cfg, err := f.exp.SetTimer(abacus.TimerDelay, "b", 35)
	require.NoError(t, err)
	require.Equal(t, abacus.DetectorTimers{0, 35, 0, 0}, cfg.DelaysNs)
	require.Equal(t, uint64(1), cfg.Version)

	cfg, err = f.exp.SetTimer(abacus.TimerSleep, "A", 10)
	require.True(t, abacus.IsFatal(err))
	require.Equal(t, abacus.DetectorTimers{}, cfg.SleepsNs)
	require.Equal(t, cfg, f.exp.Config())

	require.Equal(t, []string{"14:02:07,Delay B: 35 ns"}, ledgerLines(t, f.exp.LedgerPath()))
	dev.AssertExpectations(t)
}

// TestExperiment_PeriodicCheckMirrorsTimers verifies diverged detector timers are committed and recorded.
func TestExperiment_PeriodicCheckMirrorsTimers(t *testing.T) {
	t.Parallel()

	dev := newStubDevice()
	dev.On("PeriodicCheck").Return(device.Divergence{
		CachedSamplingMs:          500,
		DeviceSamplingMs:          500,
		CachedCoincidenceWindowNs: 10,
		DeviceCoincidenceWindowNs: 10,
		DeviceDelaysNs:            abacus.DetectorTimers{0, 0, 0, 45},
		DeviceSleepsNs:            abacus.DetectorTimers{5, 0, 0, 0},
	}, nil).Once()

	f := newFixture(t, dev)

	divergence, cfg, err := f.exp.PeriodicCheck()
	require.NoError(t, err)
	require.True(t, divergence.Timers())
	require.Equal(t, abacus.DetectorTimers{0, 0, 0, 45}, cfg.DelaysNs)
	require.Equal(t, abacus.DetectorTimers{5, 0, 0, 0}, cfg.SleepsNs)
	require.Equal(t, uint64(2), cfg.Version)

	dev.AssertNotCalled(t, "SetTimer", mock.Anything, mock.Anything, mock.Anything)
	require.Equal(t, []string{
		"14:02:07,Delay D: 45 ns",
		"14:02:07,Sleep A: 5 ns",
	}, ledgerLines(t, f.exp.LedgerPath()))
}

// TestExperiment_StreamingLifecycle verifies ledger markers and the relocation guard.
func TestExperiment_StreamingLifecycle(t *testing.T) {
	t.Parallel()

	dev := newStubDevice()
	dev.On("BeginStreaming").Return(nil).Once()
	dev.On("EndStreaming").Return().Once()

	f := newFixture(t, dev)

	require.NoError(t, f.exp.BeginStreaming())
	require.True(t, f.exp.Streaming())

	_, err := f.exp.Relocate("other.dat", true)
	require.ErrorIs(t, err, abacus.ErrStreaming)
	require.Equal(t, f.dataPath, f.exp.OutputPath())

	require.NoError(t, f.exp.Record(abacus.Row{Detectors: []uint64{1, 2}, Coincidences: []uint64{3}}))
	require.NoError(t, f.exp.EndStreaming())
	require.NoError(t, f.exp.EndStreaming())
	require.False(t, f.exp.Streaming())

	require.Equal(t, []string{
		"14:02:07,Streaming started.",
		"14:02:07,Streaming stopped.",
	}, ledgerLines(t, f.exp.LedgerPath()))

	data, err := os.ReadFile(f.dataPath)
	require.NoError(t, err)
	require.Equal(t, "Time (s),A,B,AB\n0.000,1,2,3\n", string(data))
	dev.AssertExpectations(t)
}

// TestExperiment_Relocate verifies data file and ledger move together and keep the extension.
func TestExperiment_Relocate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newStubDevice())

	require.NoError(t, f.exp.Record(abacus.Row{Detectors: []uint64{1, 2}, Coincidences: []uint64{3}}))
	require.NoError(t, f.exp.Save())

	_, err := f.exp.Relocate("bad.txt", true)
	require.ErrorIs(t, err, abacus.ErrInvalidOutput)

	target := filepath.Join(filepath.Dir(f.dataPath), "moved")

	got, err := f.exp.Relocate(target, true)
	require.NoError(t, err)
	require.Equal(t, target+".dat", got)
	require.Equal(t, target+"_params.txt", f.exp.LedgerPath())
	require.NoFileExists(t, f.dataPath)
	require.FileExists(t, got)
}

// TestExperiment_DiscardAndAttach verifies a new session keeps the time anchor and mirrors its config.
func TestExperiment_DiscardAndAttach(t *testing.T) {
	t.Parallel()

	first := newStubDevice()
	first.On("CurrentValues").Return(reading(t0, 1, 1, 1), nil).Once()

	f := newFixture(t, first)

	_, err := f.exp.Poll(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.exp.Discard())
	require.False(t, f.exp.Connected())
	first.AssertCalled(t, "Close")

	second := &stubDevice{}
	second.On("Name").Return("sim1").Maybe()
	second.On("Sampling").Return(2000).Once()
	second.On("CoincidenceWindow").Return(10).Once()
	second.On("Timers", abacus.TimerDelay).Return(abacus.DetectorTimers{}).Once()
	second.On("Timers", abacus.TimerSleep).Return(abacus.DetectorTimers{0, 0, 20, 0}).Once()
	second.On("CurrentValues").Return(reading(t0.Add(3*time.Second), 2, 2, 2), nil).Once()

	cfg, err := f.exp.Attach(second)
	require.NoError(t, err)
	require.Equal(t, 2000, cfg.SamplingMs)
	require.Equal(t, abacus.DetectorTimers{0, 0, 20, 0}, cfg.SleepsNs)
	require.Equal(t, []string{
		"14:02:07,Sampling Time: 2000 ms",
		"14:02:07,Sleep C: 20 ns",
	}, ledgerLines(t, f.exp.LedgerPath()))
	require.Equal(t, "sim1", f.exp.Port())

	row, err := f.exp.Poll(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 3.0, row.Elapsed, 1e-9)
}

// TestExperiment_FinalizeEmpty verifies a run without rows leaves no files.
func TestExperiment_FinalizeEmpty(t *testing.T) {
	t.Parallel()

	dev := newStubDevice()
	dev.On("SetSampling", 500).Return(nil).Once()

	f := newFixture(t, dev)

	_, err := f.exp.SetSampling(500)
	require.NoError(t, err)
	require.FileExists(t, f.exp.LedgerPath())

	require.NoError(t, f.exp.Finalize())
	require.NoError(t, f.exp.Finalize())
	require.NoFileExists(t, f.dataPath)
	require.NoFileExists(t, f.exp.LedgerPath())
	dev.AssertCalled(t, "Close")
}

// TestExperiment_FinalizeWritesHeader verifies a run with rows keeps both files and a finalized ledger.
func TestExperiment_FinalizeWritesHeader(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newStubDevice())

	require.NoError(t, f.exp.Record(abacus.Row{Detectors: []uint64{1, 2}, Coincidences: []uint64{3}}))
	require.NoError(t, f.exp.Finalize())

	data, err := os.ReadFile(f.dataPath)
	require.NoError(t, err)
	require.Equal(t, "Time (s),A,B,AB\n0.000,1,2,3\n", string(data))

	require.Equal(t, []string{
		ledger.Title,
		"Abacus session began at Tue Mar  5 14:02:07 2024",
	}, ledgerLines(t, f.exp.LedgerPath()))

	_, err = f.exp.Attach(newStubDevice())
	require.ErrorIs(t, err, abacus.ErrSessionClosed)
}
