package normalize

import (
	"time"

	"github.com/langchou/fordgazer/internal/units"
)

// Tag 对外暴露的归一化数据项
type Tag string

const (
	TagSOC               Tag = "SOC"
	TagFuel              Tag = "FUEL"
	TagOdometer          Tag = "ODOMETER"
	TagDoorLock          Tag = "DOOR_LOCK"
	TagDoorStatus        Tag = "DOOR_STATUS"
	TagWindowPosition    Tag = "WINDOW_POSITION"
	TagTirePressure      Tag = "TIRE_PRESSURE"
	TagOutsideTemp       Tag = "OUTSIDE_TEMP"
	TagBatteryKW         Tag = "BATTERY_KW"
	TagMotorKW           Tag = "MOTOR_KW"
	TagChargingKW        Tag = "CHARGING_KW"
	TagEVCCStatus        Tag = "EVCC_STATUS"
	TagEstEndOfCharge    Tag = "EST_END_OF_CHARGE"
	TagZoneLighting      Tag = "ZONE_LIGHTING"
	TagGuardMode         Tag = "GUARD_MODE"
	TagMessages          Tag = "MESSAGES"
	TagLastRefresh       Tag = "LAST_REFRESH"
	TagRemoteStartStatus Tag = "REMOTE_START_STATUS"
	TagDeepSleep         Tag = "DEEP_SLEEP"
	TagTripEfficiency    Tag = "TRIP_EFFICIENCY"
)

// TagValue 单个数据项的值；State 缺失时为 Unsupported
type TagValue struct {
	Tag        Tag            `json:"tag"`
	State      any            `json:"state"`
	Unit       string         `json:"unit,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type tagDef struct {
	tag        Tag
	applies    func(VehicleContext) bool
	unit       func(n *Normalizer) string
	state      func(n *Normalizer, s *Snapshot) any
	attributes func(n *Normalizer, s *Snapshot) map[string]any
}

func always(VehicleContext) bool        { return true }
func evOnly(c VehicleContext) bool      { return c.SupportsEV }
func fuelOnly(c VehicleContext) bool    { return c.SupportsFuel }
func remoteStart(c VehicleContext) bool { return c.SupportsRemoteStart }
func guardMode(c VehicleContext) bool   { return c.SupportsGuardMode }

func lengthUnit(n *Normalizer) string      { return string(n.units.Length) }
func temperatureUnit(n *Normalizer) string { return string(n.units.Temperature) }
func pressureUnit(n *Normalizer) string    { return string(n.units.Pressure) }
func percent(*Normalizer) string           { return "%" }
func kilowatt(*Normalizer) string          { return "kW" }

var tagTable = []tagDef{
	{
		tag:     TagSOC,
		applies: evOnly,
		unit:    percent,
		state: func(n *Normalizer, s *Snapshot) any {
			return floatOrUnsupported(n.metricFloat(s, "xevBatteryStateOfCharge"))
		},
		attributes: func(n *Normalizer, s *Snapshot) map[string]any {
			attrs := map[string]any{}
			if km, ok := s.Metrics().Path("xevBatteryRange", "value").Float(); ok {
				attrs["range"] = round1(n.units.ToLength(km))
			}
			return attrs
		},
	},
	{
		tag:     TagFuel,
		applies: fuelOnly,
		unit:    percent,
		state: func(n *Normalizer, s *Snapshot) any {
			return floatOrUnsupported(n.metricFloat(s, "fuelLevel"))
		},
		attributes: func(n *Normalizer, s *Snapshot) map[string]any {
			attrs := map[string]any{}
			if km, ok := s.Metrics().Path("fuelRange", "value").Float(); ok {
				attrs["range"] = round1(n.units.ToLength(km))
			}
			return attrs
		},
	},
	{
		tag:     TagOdometer,
		applies: always,
		unit:    lengthUnit,
		state: func(n *Normalizer, s *Snapshot) any {
			km, ok := n.metricFloat(s, "odometer")
			if !ok {
				return Unsupported
			}
			return round1(n.units.ToLength(km))
		},
	},
	{
		tag:     TagDoorLock,
		applies: always,
		state:   func(n *Normalizer, s *Snapshot) any { return n.LockState(s) },
	},
	{
		tag:     TagDoorStatus,
		applies: always,
		state: func(n *Normalizer, s *Snapshot) any {
			return openClosed(n.DoorOpen(s))
		},
		attributes: func(n *Normalizer, s *Snapshot) map[string]any { return n.DoorStates(s) },
	},
	{
		tag:     TagWindowPosition,
		applies: always,
		state: func(n *Normalizer, s *Snapshot) any {
			return openClosed(n.WindowOpen(s))
		},
		attributes: func(n *Normalizer, s *Snapshot) map[string]any { return n.WindowPositions(s) },
	},
	{
		tag:     TagTirePressure,
		applies: always,
		unit:    pressureUnit,
		state: func(n *Normalizer, s *Snapshot) any {
			status, _ := n.TirePressure(s)
			return status
		},
		attributes: func(n *Normalizer, s *Snapshot) map[string]any {
			_, wheels := n.TirePressure(s)
			return wheels
		},
	},
	{
		tag:     TagOutsideTemp,
		applies: always,
		unit:    temperatureUnit,
		state: func(n *Normalizer, s *Snapshot) any {
			c, ok := n.metricFloat(s, "outsideTemperature")
			if !ok {
				return Unsupported
			}
			return round1(n.units.ToTemperature(c))
		},
	},
	{
		tag:     TagBatteryKW,
		applies: evOnly,
		unit:    kilowatt,
		state:   func(n *Normalizer, s *Snapshot) any { return n.BatteryKW(s) },
	},
	{
		tag:     TagMotorKW,
		applies: evOnly,
		unit:    kilowatt,
		state:   func(n *Normalizer, s *Snapshot) any { return n.MotorKW(s) },
	},
	{
		tag:     TagChargingKW,
		applies: evOnly,
		unit:    kilowatt,
		state:   func(n *Normalizer, s *Snapshot) any { return n.ChargingKW(s) },
	},
	{
		tag:     TagEVCCStatus,
		applies: evOnly,
		state:   func(n *Normalizer, s *Snapshot) any { return n.EVCCStatus(s) },
	},
	{
		tag:     TagEstEndOfCharge,
		applies: evOnly,
		state: func(n *Normalizer, s *Snapshot) any {
			t, ok := n.EstimatedEndOfCharge(s)
			if !ok {
				return Unsupported
			}
			return t.UTC().Format(time.RFC3339)
		},
	},
	{
		tag:     TagZoneLighting,
		applies: always,
		state:   func(n *Normalizer, s *Snapshot) any { return n.ZoneLighting(s) },
	},
	{
		tag:     TagGuardMode,
		applies: guardMode,
		state:   func(n *Normalizer, s *Snapshot) any { return n.GuardMode(s) },
	},
	{
		tag:     TagMessages,
		applies: always,
		state:   func(n *Normalizer, s *Snapshot) any { return n.MessageCount(s) },
		attributes: func(n *Normalizer, s *Snapshot) map[string]any {
			return map[string]any{"messages": n.Messages(s)}
		},
	},
	{
		tag:     TagLastRefresh,
		applies: always,
		state: func(n *Normalizer, s *Snapshot) any {
			return n.LastRefresh(s).UTC().Format(time.RFC3339)
		},
	},
	{
		tag:     TagRemoteStartStatus,
		applies: remoteStart,
		state:   func(n *Normalizer, s *Snapshot) any { return n.RemoteStartStatus(s) },
	},
	{
		tag:     TagDeepSleep,
		applies: always,
		state:   func(n *Normalizer, s *Snapshot) any { return n.DeepSleep(s) },
	},
	{
		tag:     TagTripEfficiency,
		applies: evOnly,
		unit: func(n *Normalizer) string {
			return string(n.units.Length) + "/kWh"
		},
		state: func(n *Normalizer, s *Snapshot) any {
			return floatOrUnsupported(n.TripEfficiency(s))
		},
	},
}

// Tags 计算该车适用的全部数据项，顺序固定
func (n *Normalizer) Tags(s *Snapshot, vc VehicleContext) []TagValue {
	out := make([]TagValue, 0, len(tagTable))
	for _, def := range tagTable {
		if !def.applies(vc) {
			continue
		}
		out = append(out, n.evaluate(def, s))
	}
	return out
}

// Tag 计算单个数据项
func (n *Normalizer) Tag(s *Snapshot, tag Tag) (TagValue, bool) {
	for _, def := range tagTable {
		if def.tag == tag {
			return n.evaluate(def, s), true
		}
	}
	return TagValue{}, false
}

func (n *Normalizer) evaluate(def tagDef, s *Snapshot) TagValue {
	tv := TagValue{Tag: def.tag, State: def.state(n, s)}
	if def.unit != nil {
		tv.Unit = def.unit(n)
	}
	if def.attributes != nil {
		if attrs := def.attributes(n, s); len(attrs) > 0 {
			tv.Attributes = attrs
		}
	}
	return tv
}

func floatOrUnsupported(v float64, ok bool) any {
	if !ok {
		return Unsupported
	}
	return v
}

func openClosed(open, ok bool) any {
	if !ok {
		return Unsupported
	}
	if open {
		return "OPEN"
	}
	return "CLOSED"
}

func round1(v float64) float64 {
	return units.Round(v, 1)
}
