package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeRiskPerTradeClipsToBaseBelowThreshold(t *testing.T) {
	risk := computeRiskPerTrade(0.3, 0.01, 0.02, 0.6)
	require.Equal(t, 0.01, risk)
}

func TestComputeRiskPerTradeClipsToMaxAtFullConfidence(t *testing.T) {
	risk := computeRiskPerTrade(1.0, 0.01, 0.02, 0.6)
	require.InDelta(t, 0.02, risk, 1e-9)
}

func TestComputeRiskPerTradeScalesLinearly(t *testing.T) {
	// Halfway between threshold (0.6) and 1.0 should land halfway between
	// base and max risk.
	risk := computeRiskPerTrade(0.8, 0.01, 0.02, 0.6)
	require.InDelta(t, 0.015, risk, 1e-3)
}

func TestComputeRiskPerTradeThresholdOfOneDoesNotDivideByZero(t *testing.T) {
	require.NotPanics(t, func() {
		computeRiskPerTrade(0.9, 0.01, 0.02, 1.0)
	})
}

func TestPositionSizeWorkedExample(t *testing.T) {
	// equity=10000, atr=100, price=20000, sl_mult=2, risk=0.01 -> size=0.5
	size := positionSize(10000, 100, 0.01, 2, 20000, 0)
	require.InDelta(t, 0.5, size, 1e-9)
}

func TestPositionSizeNotionalCapWins(t *testing.T) {
	// Risk-based size would be huge; a tight notional cap should win.
	size := positionSize(1_000_000, 10, 0.5, 1, 100, 1000)
	require.InDelta(t, 10.0, size, 1e-9) // 1000/100
}

func TestPositionSizeRiskBasedWinsWhenNotionalLoose(t *testing.T) {
	size := positionSize(10000, 100, 0.01, 2, 20000, 1_000_000)
	require.InDelta(t, 0.5, size, 1e-9)
}

func TestPositionSizeZeroNotionalDisablesCap(t *testing.T) {
	withCap := positionSize(10000, 100, 0.01, 2, 20000, 0)
	require.InDelta(t, 0.5, withCap, 1e-9)
}

func TestPositionSizeInvalidInputsReturnZero(t *testing.T) {
	require.Equal(t, 0.0, positionSize(10000, 0, 0.01, 2, 20000, 0))
	require.Equal(t, 0.0, positionSize(10000, 100, 0.01, 0, 20000, 0))
	require.Equal(t, 0.0, positionSize(10000, 100, 0.01, 2, 0, 0))
}

func TestClip01(t *testing.T) {
	require.Equal(t, 0.0, clip01(-1))
	require.Equal(t, 1.0, clip01(2))
	require.Equal(t, 0.5, clip01(0.5))
}
