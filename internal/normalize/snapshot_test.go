package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnapshot(t *testing.T) {
	telemetry := map[string]any{
		"metrics":       map[string]any{"odometer": map[string]any{"value": 100.0}},
		"futureSubtree": map[string]any{"x": 1.0},
		KeyUpdateTime:   "2024-05-01T10:00:00Z",
	}
	s := NewSnapshot(telemetry, nil, map[string]any{"vehicleProfile": []any{}}, nil, testTime)

	assert.True(t, s.Get("futureSubtree", "x").Exists())
	assert.Empty(t, s.Messages().Array())
	assert.True(t, s.Vehicles().Exists())
	assert.False(t, s.GuardStatus().Exists())

	// 快照与输入互不影响
	telemetry["metrics"].(map[string]any)["odometer"] = nil
	v, ok := s.Get("metrics", "odometer", "value").Float()
	require.True(t, ok)
	assert.Equal(t, 100.0, v)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"futureSubtree"`)
}

func TestMergeDelta(t *testing.T) {
	base := FromRoot(map[string]any{
		"metrics": map[string]any{
			"odometer":  map[string]any{"value": 100.0, "updateTime": "a"},
			"fuelLevel": map[string]any{"value": 50.0},
		},
		"states": map[string]any{},
	}, testTime)

	later := testTime.Add(time.Minute)
	merged := base.MergeDelta(map[string]any{
		"metrics": map[string]any{
			"odometer":  map[string]any{"value": 101.0},
			"newMetric": map[string]any{"value": true},
		},
		"states": map[string]any{
			"lockCommand": map[string]any{"commandId": "X", "value": map[string]any{"toState": "success"}},
		},
	}, later)

	odo, _ := merged.Get("metrics", "odometer", "value").Float()
	assert.Equal(t, 101.0, odo)
	updated, _ := merged.Get("metrics", "odometer", "updateTime").Str()
	assert.Equal(t, "a", updated)
	fuel, _ := merged.Get("metrics", "fuelLevel", "value").Float()
	assert.Equal(t, 50.0, fuel)
	assert.True(t, merged.Get("metrics", "newMetric").Exists())
	id, _ := merged.CommandState("lock").Get("commandId").Str()
	assert.Equal(t, "X", id)
	assert.Equal(t, later, merged.UpdatedAt())

	// 原快照不变
	odo, _ = base.Get("metrics", "odometer", "value").Float()
	assert.Equal(t, 100.0, odo)
	assert.False(t, base.CommandState("lock").Exists())
}

func TestValue(t *testing.T) {
	v := Of(map[string]any{
		"list":   []any{"a", 2.0},
		"num":    "12.5",
		"flag":   "true",
		"nested": map[string]any{"deep": map[string]any{"x": 1.0}},
	})

	assert.Len(t, v.Get("list").Array(), 2)
	s, ok := v.Get("list").Index(0).Str()
	assert.True(t, ok)
	assert.Equal(t, "a", s)
	assert.False(t, v.Get("list").Index(5).Exists())

	f, ok := v.Get("num").Float()
	assert.True(t, ok)
	assert.Equal(t, 12.5, f)

	b, ok := v.Get("flag").Bool()
	assert.True(t, ok)
	assert.True(t, b)

	assert.True(t, v.Path("nested", "deep", "x").Exists())
	assert.False(t, v.Path("nested", "missing", "x").Exists())
	assert.False(t, v.Get("list").Get("x").Exists())

	_, ok = Of("NaN").Float()
	assert.False(t, ok)
}
