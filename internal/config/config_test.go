package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/fordgazer/internal/api/ford"
	"github.com/langchou/fordgazer/internal/units"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FORD_USERNAME", "driver@example.com")
	t.Setenv("FORD_VINS", " wf0aaa , ,WF0BBB")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "4000", cfg.ServerPort)
	assert.Equal(t, "rest_of_world", cfg.Region)
	assert.Equal(t, []string{"WF0AAA", "WF0BBB"}, cfg.VINs)
	assert.Equal(t, 290*time.Second, cfg.UpdateInterval)
	assert.Equal(t, 64*time.Second, cfg.WatchdogInterval)
	assert.True(t, cfg.PushEnabled)
	assert.Equal(t, ford.DefaultHosts().Autonomic, cfg.Hosts().Autonomic)
	require.NoError(t, cfg.Validate())

	d, err := cfg.Display()
	require.NoError(t, err)
	assert.Equal(t, units.KPa, d.Pressure)
	assert.Equal(t, units.Kilometers, d.Length)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FORD_USERNAME", "driver@example.com")
	t.Setenv("FORD_VINS", "VIN1")
	t.Setenv("FORD_REGION", "UK&Europe")
	t.Setenv("UPDATE_INTERVAL", "120")
	t.Setenv("PUSH_ENABLED", "false")
	t.Setenv("UNIT_SYSTEM", "imperial")
	t.Setenv("PRESSURE_UNIT", "bar")
	t.Setenv("FORD_AUTO_HOST", "http://localhost:9000")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 120*time.Second, cfg.UpdateInterval)
	assert.False(t, cfg.PushEnabled)
	assert.Equal(t, "http://localhost:9000", cfg.Hosts().Autonomic)

	d, err := cfg.Display()
	require.NoError(t, err)
	assert.Equal(t, units.Bar, d.Pressure)
	assert.Equal(t, units.Miles, d.Length)
}

func TestValidate(t *testing.T) {
	base := Config{Username: "u", Region: "deu", VINs: []string{"V"}, UnitSystem: "metric", PressureUnit: "PSI"}
	require.NoError(t, base.Validate())

	c := base
	c.Username = ""
	assert.ErrorIs(t, c.Validate(), ErrMissingUser)

	c = base
	c.VINs = nil
	assert.ErrorIs(t, c.Validate(), ErrMissingVIN)

	c = base
	c.Region = "mars"
	assert.ErrorIs(t, c.Validate(), ford.ErrUnknownRegion)

	c = base
	c.PressureUnit = "atm"
	assert.ErrorIs(t, c.Validate(), units.ErrUnknownUnit)
}
