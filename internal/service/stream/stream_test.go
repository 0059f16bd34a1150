package stream

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/abacus-daq/internal/config"
)

// TestLoadSettings verifies the optional default file and the flag overrides.
func TestLoadSettings(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := loadSettings(&Options{ConfigPath: filepath.Join(dir, "missing.yaml")})
	require.Error(t, err)

	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sampling_ms: 100\nport: /dev/ttyACM0\n"), 0o600))

	settings, err := loadSettings(&Options{ConfigPath: path})
	require.NoError(t, err)
	require.Equal(t, 100, settings.SamplingMs)
	require.Equal(t, "/dev/ttyACM0", settings.Port)

	settings, err = loadSettings(&Options{
		ConfigPath:          path,
		Port:                "/dev/ttyUSB0",
		Output:              "run.csv",
		SamplingMs:          20,
		CoincidenceWindowNs: 25,
		LogLevel:            "debug",
	})
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", settings.Port)
	require.Equal(t, "run.csv", settings.OutputFile)
	require.Equal(t, 20, settings.SamplingMs)
	require.Equal(t, 25, settings.CoincidenceWindowNs)
	require.Equal(t, "debug", settings.LogLevel)

	_, err = loadSettings(&Options{ConfigPath: path, SamplingMs: 3})
	require.Error(t, err)
}

// TestRun_HeadlessSimulated runs a short simulated session end to end.
func TestRun_HeadlessSimulated(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	output := filepath.Join(dir, "run")

	settings := config.Default()
	settings.CheckInterval = 20 * time.Millisecond
	settings.PlotFloor = 10 * time.Millisecond
	settings.LabelFloor = 10 * time.Millisecond
	settings.LogLevel = "error"

	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, config.Save(path, settings))

	var out bytes.Buffer

	err := Run(context.Background(), &Options{
		ConfigPath:          path,
		Output:              output,
		SamplingMs:          10,
		CoincidenceWindowNs: 20,
		Simulate:            true,
		Headless:            true,
		Duration:            200 * time.Millisecond,
		Stdout:              &out,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(output + ".dat")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Equal(t, "Time (s),A,B,AB", lines[0])
	require.Greater(t, len(lines), 2)
	require.True(t, strings.HasPrefix(lines[1], "0.000,"), lines[1])

	params, err := os.ReadFile(output + "_params.txt")
	require.NoError(t, err)
	require.Contains(t, string(params), "Sampling Time: 10 ms")
	require.Contains(t, string(params), "Coincidence window: 20 ns")
	require.Contains(t, string(params), "Streaming started.")
	require.Contains(t, string(params), "Streaming stopped.")

	require.Contains(t, out.String(), "sampling 10 ms, coincidence window 20 ns")
}

// TestRun_HeadlessWithoutCounter verifies a headless run needs a counter.
func TestRun_HeadlessWithoutCounter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	settings := config.Default()
	settings.Port = filepath.Join(dir, "no-such-port")
	settings.ProtocolTimeout = 10 * time.Millisecond
	settings.LogLevel = "error"
	require.NoError(t, config.Save(path, settings))

	err := Run(context.Background(), &Options{
		ConfigPath: path,
		Output:     filepath.Join(dir, "run.dat"),
		Headless:   true,
	})
	require.Error(t, err)
}

// TestRun_HeadlessCanceled verifies an interrupted run stops streaming before the loops end.
func TestRun_HeadlessCanceled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	output := filepath.Join(dir, "run.dat")

	settings := config.Default()
	settings.LogLevel = "error"
	settings.DelaysNs = map[string]int{"B": 25}

	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, config.Save(path, settings))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := Run(ctx, &Options{
		ConfigPath: path,
		Output:     output,
		SamplingMs: 10,
		Simulate:   true,
		Headless:   true,
		Stdout:     &bytes.Buffer{},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Greater(t, len(strings.Split(strings.TrimSpace(string(data)), "\n")), 1)

	params, err := os.ReadFile(filepath.Join(dir, "run_params.txt"))
	require.NoError(t, err)
	require.Contains(t, string(params), "Delay B: 25 ns")
	require.True(t, strings.HasSuffix(strings.TrimSpace(string(params)), "Streaming stopped."), string(params))
}

// TestExistingFiles verifies only regular files already on disk are reported.
func TestExistingFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := filepath.Join(dir, "run.dat")
	require.NoError(t, os.WriteFile(data, []byte("Time (s),A\n"), 0o600))

	require.Equal(t, []string{data}, existingFiles(data, filepath.Join(dir, "run_params.txt"), dir))
	require.Empty(t, existingFiles(filepath.Join(dir, "other.dat")))
}
