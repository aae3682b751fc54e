package sinks

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/catalogcrawl/catalogcrawl/internal/progress"
)

func TestNewPubSubSinkRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := NewPubSubSink(nil, false)
	require.Error(t, err)
}

func TestNotableFiltersTaskEvents(t *testing.T) {
	t.Parallel()

	require.True(t, notable(progress.VariantSessionStarted))
	require.True(t, notable(progress.VariantSessionCompleted))
	require.True(t, notable(progress.VariantSessionFailed))
	require.True(t, notable(progress.VariantSessionShuttingDown))
	require.True(t, notable(progress.VariantDownshift))
	require.True(t, notable(progress.VariantCheckpoint))

	require.False(t, notable(progress.VariantTaskCompleted))
	require.False(t, notable(progress.VariantTaskFailed))
	require.False(t, notable(progress.VariantTaskRetried))
	require.False(t, notable(progress.VariantPhaseStarted))
	require.False(t, notable(progress.VariantPhaseCompleted))
}
