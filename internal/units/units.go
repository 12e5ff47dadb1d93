package units

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnknownUnit 无法识别的单位
var ErrUnknownUnit = errors.New("unknown unit")

// LengthUnit 长度单位
type LengthUnit string

// TemperatureUnit 温度单位
type TemperatureUnit string

// PressureUnit 压力单位
type PressureUnit string

const (
	Kilometers LengthUnit = "km"
	Miles      LengthUnit = "mi"

	Celsius    TemperatureUnit = "°C"
	Fahrenheit TemperatureUnit = "°F"

	KPa PressureUnit = "kPa"
	PSI PressureUnit = "PSI"
	Bar PressureUnit = "BAR"
)

const (
	kmPerMile = 1.609344
	kPaPerPSI = 6.894757
	kPaPerBar = 100.0
)

// System 宿主单位制
type System struct {
	Name        string          `json:"name"`
	Length      LengthUnit      `json:"length"`
	Temperature TemperatureUnit `json:"temperature"`
	Pressure    PressureUnit    `json:"pressure"`
}

var (
	Metric   = System{Name: "metric", Length: Kilometers, Temperature: Celsius, Pressure: KPa}
	Imperial = System{Name: "imperial", Length: Miles, Temperature: Fahrenheit, Pressure: PSI}
)

// ParseSystem 解析宿主单位制名称
func ParseSystem(name string) (System, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "metric":
		return Metric, nil
	case "imperial", "us_customary":
		return Imperial, nil
	}
	return System{}, fmt.Errorf("%w: unit system %q", ErrUnknownUnit, name)
}

// ParsePressure 解析压力单位，忽略大小写
func ParsePressure(name string) (PressureUnit, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "KPA":
		return KPa, nil
	case "PSI":
		return PSI, nil
	case "BAR":
		return Bar, nil
	}
	return "", fmt.Errorf("%w: pressure %q", ErrUnknownUnit, name)
}

// Precision 压力单位显示精度
func (p PressureUnit) Precision() int {
	switch p {
	case PSI:
		return 1
	case Bar:
		return 2
	default:
		return 0
	}
}

// Display 某辆车的显示单位，由宿主单位制组合出来，只覆盖压力单位
type Display struct {
	Length      LengthUnit      `json:"length"`
	Temperature TemperatureUnit `json:"temperature"`
	Pressure    PressureUnit    `json:"pressure"`
}

// ForVehicle 组合显示单位，不修改宿主单位制
func ForVehicle(host System, pressure PressureUnit) Display {
	d := Display{
		Length:      host.Length,
		Temperature: host.Temperature,
		Pressure:    host.Pressure,
	}
	if pressure != "" {
		d.Pressure = pressure
	}
	return d
}

// ToLength 公里转换为显示长度单位
func (d Display) ToLength(km float64) float64 {
	if d.Length == Miles {
		return km / kmPerMile
	}
	return km
}

// ToTemperature 摄氏度转换为显示温度单位
func (d Display) ToTemperature(celsius float64) float64 {
	if d.Temperature == Fahrenheit {
		return celsius*9/5 + 32
	}
	return celsius
}

// PressureValue kPa 转换为显示压力单位并按精度取整
func (d Display) PressureValue(kPa float64) float64 {
	var v float64
	switch d.Pressure {
	case PSI:
		v = kPa / kPaPerPSI
	case Bar:
		v = kPa / kPaPerBar
	default:
		v = kPa
	}
	return Round(v, d.Pressure.Precision())
}

// Round 四舍五入到指定小数位
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
