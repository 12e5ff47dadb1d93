package normalize

import (
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// 发动机类型
const (
	EngineICE  = "ICE"
	EngineBEV  = "BEV"
	EngineHEV  = "HEV"
	EnginePHEV = "PHEV"
)

// VehicleContext 启动时由 dashboard 推导出的车辆能力，用于屏蔽不适用的标签和命令
type VehicleContext struct {
	VIN                 string `json:"vin"`
	Year                string `json:"year,omitempty"`
	Model               string `json:"model,omitempty"`
	EngineType          string `json:"engine_type"`
	SupportsFuel        bool   `json:"supports_fuel"`
	SupportsEV          bool   `json:"supports_ev"`
	SupportsRemoteStart bool   `json:"supports_remote_start"`
	SupportsGuardMode   bool   `json:"supports_guard_mode"`
}

// NewVehicleContext 从快照的 vehicles 节点推导车辆能力
func NewVehicleContext(s *Snapshot, vin string) VehicleContext {
	ctx := VehicleContext{VIN: vin}

	profile, ok := findByVIN(s.Vehicles().Get("vehicleProfile"), vin)
	if ok {
		ctx.EngineType = strings.ToUpper(stringOf(profile.Get("engineType")))
		ctx.Year = stringOf(profile.Get("year"))
		ctx.Model = stringOf(profile.Get("model"))
	}

	ctx.SupportsFuel = ctx.EngineType != EngineBEV
	ctx.SupportsEV = lo.Contains([]string{EngineBEV, EngineHEV, EnginePHEV}, ctx.EngineType)

	caps, ok := findByVIN(s.Vehicles().Get("vehicleCapabilities"), vin)
	if ok {
		ctx.SupportsRemoteStart = capability(caps.Get("remoteStart"))
		ctx.SupportsGuardMode = capability(caps.Get("guardMode"))
	}
	// 哨兵模式已开通时即使 dashboard 未声明也视为支持
	if s.GuardStatus().Exists() {
		ctx.SupportsGuardMode = true
	}
	return ctx
}

// findByVIN 在 dashboard 列表中查找该 VIN 的记录；只有一条时直接使用
func findByVIN(list Value, vin string) (Value, bool) {
	items := list.Array()
	match, ok := lo.Find(items, func(item Value) bool {
		v := stringOf(item.Get("VIN"))
		if v == "" {
			v = stringOf(item.Get("vin"))
		}
		return strings.EqualFold(v, vin)
	})
	if ok {
		return match, true
	}
	if len(items) == 1 {
		return items[0], true
	}
	return Value{}, false
}

// capability 能力值为布尔或枚举，"DISPLAY" 表示支持
func capability(v Value) bool {
	if b, ok := v.Bool(); ok {
		return b
	}
	s, _ := v.Str()
	return strings.EqualFold(s, "DISPLAY")
}

func stringOf(v Value) string {
	if s, ok := v.Str(); ok {
		return s
	}
	if f, ok := v.Float(); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
