package abacus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestValidateTimer covers the range and step grid of both timer kinds.
func TestValidateTimer(t *testing.T) {
	t.Parallel()

	for _, kind := range TimerKinds {
		require.NoError(t, ValidateTimer(kind, 0))
		require.NoError(t, ValidateTimer(kind, 55))
		require.NoError(t, ValidateTimer(kind, 200))

		for _, ns := range []int{-5, 3, 205} {
			err := ValidateTimer(kind, ns)
			require.ErrorIs(t, err, ErrInvalidValue, "%s %d", kind, ns)
			require.True(t, IsExperiment(err))
			require.Contains(t, err.Error(), kind.String())
		}
	}

	require.Contains(t, ValidateTimer(TimerSleep, 205).Error(), "outside [0, 200]")
}

// TestDetectorIndex verifies channel lookup ignores case and rejects coincidences.
func TestDetectorIndex(t *testing.T) {
	t.Parallel()

	i, err := DetectorIndex("c")
	require.NoError(t, err)
	require.Equal(t, 2, i)

	_, err = DetectorIndex("AB")
	require.ErrorIs(t, err, ErrInvalidValue)
	require.NotContains(t, err.Error(), "outside")
}

// TestSessionConfigWithTimer verifies a timer change bumps the version and touches one slot.
func TestSessionConfigWithTimer(t *testing.T) {
	t.Parallel()

	base := DefaultSessionConfig()
	next := base.WithTimer(TimerSleep, 1, 25)

	require.Equal(t, base.Version+1, next.Version)
	require.Equal(t, DetectorTimers{0, 25, 0, 0}, next.Timers(TimerSleep))
	require.Equal(t, base.Timers(TimerDelay), next.Timers(TimerDelay))
	require.Equal(t, UniformTimers(SleepDefaultValue), base.SleepsNs)

	next = next.WithTimer(TimerDelay, 3, 10)
	require.Equal(t, DetectorTimers{0, 0, 0, 10}, next.DelaysNs)
	require.Equal(t, "Delay", TimerDelay.Label())
	require.Equal(t, "sleep", TimerSleep.String())
}
