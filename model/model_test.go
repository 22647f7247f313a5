package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	require.True(t, STATUS_RUNNING.Valid())
	require.False(t, STATUS_RUNNING.Terminal())
	require.True(t, STATUS_SUCCESS.Terminal())
	require.True(t, STATUS_INTERNAL_ERROR.Terminal())
	require.False(t, STATUS_SLEEPING.Terminal())
	require.False(t, Status("BOGUS").Valid())
}

func TestSetSwitch(t *testing.T) {
	switches, changed := SetSwitch(nil, "approval", "granted")
	require.True(t, changed)
	require.Len(t, switches, 1)
	require.False(t, switches[0].Acknowledged)

	switches[0].Acknowledged = true
	switches, changed = SetSwitch(switches, "approval", "granted")
	require.False(t, changed)
	require.True(t, switches[0].Acknowledged)

	// a value change drops the acknowledgement
	switches, changed = SetSwitch(switches, "approval", "denied")
	require.True(t, changed)
	require.False(t, switches[0].Acknowledged)

	switches, _ = SetSwitch(switches, "priority", "high")
	require.Len(t, switches, 2)
	require.Equal(t, 1, FindSwitch(switches, "priority"))
	require.Equal(t, -1, FindSwitch(switches, "missing"))
}

func TestMergeMaps(t *testing.T) {
	dst := map[string]any{"a": 1, "nested": map[string]any{"x": 1}}
	out := MergeMaps(dst, map[string]any{"b": 2, "nested": map[string]any{"y": 2}})
	require.Equal(t, 1, out["a"])
	require.Equal(t, 2, out["b"])
	require.Equal(t, map[string]any{"x": 1, "y": 2}, out["nested"])

	out = MergeMaps(nil, map[string]any{"k": "v"})
	require.Equal(t, "v", out["k"])
}

func TestWebhookUrl(t *testing.T) {
	tx := Transaction{}
	require.Empty(t, tx.WebhookUrl())
	tx.Metadata = map[string]any{MetadataKeyWebhook: "http://example.com/hook"}
	require.Equal(t, "http://example.com/hook", tx.WebhookUrl())
}
