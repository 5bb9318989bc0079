package runs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StatusQueued.Terminal())
	require.False(t, StatusRunning.Terminal())
	require.True(t, StatusSucceeded.Terminal())
	require.True(t, StatusFailed.Terminal())
}

func TestEnvelopeFields(t *testing.T) {
	t.Parallel()

	require.Empty(t, Envelope{}.Fields())
	require.Equal(t, map[string]any{"job_id": "1", "schedule_his_id": "3"},
		Envelope{JobID: "1", ScheduleHisID: "3"}.Fields())
}
