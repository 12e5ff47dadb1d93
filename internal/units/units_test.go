package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForVehicleDoesNotMutateHost(t *testing.T) {
	host := Metric
	d := ForVehicle(host, PSI)

	assert.Equal(t, PSI, d.Pressure)
	assert.Equal(t, Kilometers, d.Length)
	assert.Equal(t, KPa, Metric.Pressure)
	assert.Equal(t, KPa, host.Pressure)

	assert.Equal(t, PSI, ForVehicle(Imperial, "").Pressure)
}

func TestPressurePrecision(t *testing.T) {
	assert.Equal(t, 36.3, ForVehicle(Metric, PSI).PressureValue(250))
	assert.Equal(t, 2.5, ForVehicle(Metric, Bar).PressureValue(250))
	assert.Equal(t, 2.46, ForVehicle(Metric, Bar).PressureValue(245.8))
	assert.Equal(t, 246.0, ForVehicle(Metric, KPa).PressureValue(245.8))
}

func TestLengthAndTemperature(t *testing.T) {
	metric := ForVehicle(Metric, "")
	imperial := ForVehicle(Imperial, "")

	assert.Equal(t, 100.0, metric.ToLength(100))
	assert.InDelta(t, 62.137, imperial.ToLength(100), 0.001)
	assert.Equal(t, 20.0, metric.ToTemperature(20))
	assert.Equal(t, 68.0, imperial.ToTemperature(20))
}

func TestParse(t *testing.T) {
	p, err := ParsePressure("psi")
	require.NoError(t, err)
	assert.Equal(t, PSI, p)

	p, err = ParsePressure("kpa")
	require.NoError(t, err)
	assert.Equal(t, KPa, p)

	_, err = ParsePressure("atm")
	assert.ErrorIs(t, err, ErrUnknownUnit)

	s, err := ParseSystem("Imperial")
	require.NoError(t, err)
	assert.Equal(t, Imperial, s)

	_, err = ParseSystem("nautical")
	assert.ErrorIs(t, err, ErrUnknownUnit)
}
