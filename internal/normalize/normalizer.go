package normalize

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/langchou/fordgazer/internal/units"
)

// Unsupported 字段缺失时返回的哨兵值；期望数值的调用方需自行过滤
const Unsupported = ""

// 门锁状态
const (
	LockLocked      = "LOCKED"
	LockUnlocked    = "UNLOCKED"
	LockUnsupported = "UNSUPPORTED"
)

// EVCC (IEC 61851) 充电状态字母
const (
	EVCCDisconnected = "A"
	EVCCConnected    = "B"
	EVCCCharging     = "C"
	EVCCUnknown      = "UNKNOWN"
)

// 区域照明状态，数字与厂商 zone 编号一致
const (
	ZoneAllOn     = "ALL_ON"
	ZoneFront     = "FRONT"
	ZoneRear      = "REAR"
	ZoneDriver    = "DRIVER"
	ZonePassenger = "PASSENGER"
	ZoneOff       = "OFF"
)

var zoneNames = []string{ZoneFront, ZoneRear, ZoneDriver, ZonePassenger}

// 门锁优先匹配顺序
var lockDoorPriority = []string{"ALL_DOORS", "UNSPECIFIED_FRONT", "DRIVER"}

const zoneLightingEvent = "pttb-power-mode-change-event"

// Normalizer 把厂商 JSON 转换为带单位的领域值。除缺失字段告警去重外无状态
type Normalizer struct {
	logger *zap.Logger
	units  units.Display

	mu     sync.Mutex
	warned map[string]struct{}
}

// New 创建 Normalizer
func New(logger *zap.Logger, display units.Display) *Normalizer {
	return &Normalizer{
		logger: logger,
		units:  display,
		warned: make(map[string]struct{}),
	}
}

// missing 每个缺失的键只告警一次
func (n *Normalizer) missing(key string) {
	n.mu.Lock()
	_, seen := n.warned[key]
	if !seen {
		n.warned[key] = struct{}{}
	}
	n.mu.Unlock()

	if !seen {
		n.logger.Warn("Vendor field missing", zap.String("key", key))
	}
}

// metric 取 metrics.{name}，缺失时告警
func (n *Normalizer) metric(s *Snapshot, name string) Value {
	v := s.Metrics().Get(name)
	if !v.Exists() {
		n.missing(KeyMetrics + "." + name)
	}
	return v
}

// metricFloat 取 metrics.{name}.value 数值
func (n *Normalizer) metricFloat(s *Snapshot, name string) (float64, bool) {
	return n.metric(s, name).Get("value").Float()
}

func upper(v Value) string {
	s, _ := v.Str()
	return strings.ToUpper(strings.TrimSpace(s))
}

// LockState 门锁状态：依次匹配 ALL_DOORS、UNSPECIFIED_FRONT、DRIVER，否则取第一条
func (n *Normalizer) LockState(s *Snapshot) string {
	items := n.metric(s, "doorLockStatus").Array()
	if len(items) == 0 {
		return LockUnsupported
	}

	chosen := items[0]
	for _, door := range lockDoorPriority {
		if match, ok := lo.Find(items, func(item Value) bool {
			return upper(item.Get("vehicleDoor")) == door
		}); ok {
			chosen = match
			break
		}
	}

	switch upper(chosen.Get("value")) {
	case LockLocked:
		return LockLocked
	case LockUnlocked:
		return LockUnlocked
	}
	return LockUnsupported
}

// DoorOpen 任意车门或引擎盖打开；两项都缺失时 ok 为 false
func (n *Normalizer) DoorOpen(s *Snapshot) (open bool, ok bool) {
	doors := s.Metrics().Get("doorStatus").Array()
	hood := s.Metrics().Get("hoodStatus")
	if len(doors) == 0 && !hood.Exists() {
		n.missing(KeyMetrics + ".doorStatus")
		return false, false
	}

	open = lo.SomeBy(doors, func(item Value) bool {
		switch upper(item.Get("value")) {
		case "", "CLOSED", "INVALID", "UNKNOWN":
			return false
		}
		return true
	})
	if upper(hood.Get("value")) == "OPEN" {
		open = true
	}
	return open, true
}

// DoorStates 每个车门的原始状态
func (n *Normalizer) DoorStates(s *Snapshot) map[string]any {
	out := make(map[string]any)
	for _, item := range s.Metrics().Get("doorStatus").Array() {
		name := doorName(item)
		if name == "" {
			continue
		}
		out[name] = upper(item.Get("value"))
	}
	if hood := s.Metrics().Get("hoodStatus"); hood.Exists() {
		out["HOOD"] = upper(hood.Get("value"))
	}
	return out
}

func doorName(item Value) string {
	name := upper(item.Get("vehicleDoor"))
	if side := upper(item.Get("vehicleSide")); side != "" && name == "UNSPECIFIED_REAR" {
		name = "REAR_" + side
	}
	return name
}

// WindowOpen 任意车窗的 doubleRange 上下界不为 0
func (n *Normalizer) WindowOpen(s *Snapshot) (open bool, ok bool) {
	windows := n.metric(s, "windowStatus").Array()
	if len(windows) == 0 {
		return false, false
	}
	open = lo.SomeBy(windows, func(item Value) bool {
		lower, _ := item.Path("value", "doubleRange", "lowerBound").Float()
		upperBound, _ := item.Path("value", "doubleRange", "upperBound").Float()
		return lower != 0 || upperBound != 0
	})
	return open, true
}

// WindowPositions 每个车窗的开度区间
func (n *Normalizer) WindowPositions(s *Snapshot) map[string]any {
	out := make(map[string]any)
	for _, item := range s.Metrics().Get("windowStatus").Array() {
		name := upper(item.Get("vehicleWindow"))
		if name == "" {
			continue
		}
		lower, _ := item.Path("value", "doubleRange", "lowerBound").Float()
		upperBound, _ := item.Path("value", "doubleRange", "upperBound").Float()
		out[name] = map[string]any{"lower_bound": lower, "upper_bound": upperBound}
	}
	return out
}

// kilowatts 电压 × 电流，两者都非零时才计算
func kilowatts(volts, amps float64) float64 {
	if volts == 0 || amps == 0 {
		return 0
	}
	return units.Round(volts*amps/1000, 2)
}

// BatteryKW 高压电池功率
func (n *Normalizer) BatteryKW(s *Snapshot) float64 {
	v, _ := n.metricFloat(s, "xevBatteryVoltage")
	a, _ := n.metricFloat(s, "xevBatteryIoCurrent")
	return kilowatts(v, a)
}

// MotorKW 驱动电机功率
func (n *Normalizer) MotorKW(s *Snapshot) float64 {
	v, _ := n.metricFloat(s, "xevTractionMotorVoltage")
	a, _ := n.metricFloat(s, "xevTractionMotorCurrent")
	return kilowatts(v, a)
}

// ChargingKW 充电功率；没有充电机电流时退回使用电池电流的绝对值
func (n *Normalizer) ChargingKW(s *Snapshot) float64 {
	v, _ := n.metricFloat(s, "chargerVoltageOutput")
	a, ok := s.Metrics().Path("chargerCurrentOutput", "value").Float()
	if !ok {
		if battery, ok := s.Metrics().Path("xevBatteryIoCurrent", "value").Float(); ok {
			a = math.Abs(battery)
		}
	}
	return kilowatts(v, a)
}

// EstimatedEndOfCharge 预计充满时间 = updateTime + value 分钟
func (n *Normalizer) EstimatedEndOfCharge(s *Snapshot) (time.Time, bool) {
	m := n.metric(s, "xevBatteryTimeToFullCharge")
	minutes, ok := m.Get("value").Float()
	if !ok {
		return time.Time{}, false
	}
	updated, ok := parseTime(m.Get("updateTime"))
	if !ok {
		return time.Time{}, false
	}
	return updated.Add(time.Duration(minutes * float64(time.Minute))), true
}

// EVCCStatus 由插枪状态和充电显示状态推导 EVCC 字母
func (n *Normalizer) EVCCStatus(s *Snapshot) string {
	plug := upper(n.metric(s, "xevPlugChargerStatus").Get("value"))
	display := upper(s.Metrics().Path("xevBatteryChargeDisplayStatus", "value"))

	switch plug {
	case "DISCONNECTED":
		return EVCCDisconnected
	case "CONNECTED":
		if strings.Contains(display, "IN_PROGRESS") {
			return EVCCCharging
		}
		return EVCCConnected
	case "CHARGING", "CHARGINGAC":
		return EVCCCharging
	}
	return EVCCUnknown
}

// ZoneLighting 区域照明状态
func (n *Normalizer) ZoneLighting(s *Snapshot) string {
	oem := s.Events().Path("customEvents", zoneLightingEvent, "oemData")
	if !oem.Exists() {
		n.missing("events.customEvents." + zoneLightingEvent)
		return Unsupported
	}

	mode := strings.ToUpper(oemScalar(oem.Get("current_power_mode")))
	if mode == "" {
		return Unsupported
	}
	if mode == "OFF" {
		return ZoneOff
	}

	var active []string
	for i, name := range zoneNames {
		if isActive(oemScalar(oem.Get("zone_" + strconv.Itoa(i+1) + "_active"))) {
			active = append(active, name)
		}
	}

	switch len(active) {
	case 0:
		return ZoneOff
	case len(zoneNames):
		return ZoneAllOn
	}
	// 部分区域点亮时取编号最小的区域
	return active[0]
}

// oemScalar oemData 的值可能是标量，也可能包在 value / stringArrayValue 里
func oemScalar(v Value) string {
	if !v.Exists() {
		return ""
	}
	if s, ok := v.Str(); ok {
		return strings.TrimSpace(s)
	}
	if b, ok := v.Bool(); ok {
		return strconv.FormatBool(b)
	}
	if f, ok := v.Float(); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if arr := v.Get("stringArrayValue"); arr.Exists() {
		return oemScalar(arr.Index(0))
	}
	if inner := v.Get("value"); inner.Exists() {
		return oemScalar(inner)
	}
	return ""
}

func isActive(s string) bool {
	switch strings.ToUpper(s) {
	case "1", "TRUE", "ON", "ACTIVE":
		return true
	}
	return false
}

// TirePressure 胎压系统状态以及按显示单位换算的各轮胎压
func (n *Normalizer) TirePressure(s *Snapshot) (string, map[string]any) {
	status := Unsupported
	if first := s.Metrics().Get("tirePressureSystemStatus").Index(0); first.Exists() {
		status = upper(first.Get("value"))
	}

	wheels := make(map[string]any)
	for _, item := range n.metric(s, "tirePressure").Array() {
		wheel := upper(item.Get("vehicleWheel"))
		kPa, ok := item.Get("value").Float()
		if wheel == "" || !ok {
			continue
		}
		wheels[wheel] = n.units.PressureValue(kPa)
	}
	return status, wheels
}

// GuardMode 只有 returnCode=200 且 session.gmStatus=enable 时为开启
func (n *Normalizer) GuardMode(s *Snapshot) string {
	g := s.GuardStatus()
	if !g.Exists() {
		return Unsupported
	}
	code, _ := g.Get("returnCode").Float()
	status, _ := g.Path("session", "gmStatus").Str()
	if code == 200 && strings.EqualFold(status, "enable") {
		return "ON"
	}
	return "OFF"
}

// TripEfficiency 本次行程每 kWh 行驶距离（显示长度单位）
func (n *Normalizer) TripEfficiency(s *Snapshot) (float64, bool) {
	distance, ok := n.metricFloat(s, "tripXevBatteryDistanceAccumulated")
	if !ok {
		return 0, false
	}
	energy, ok := n.metricFloat(s, "tripXevBatteryEnergyConsumed")
	if !ok || energy == 0 {
		return 0, false
	}
	return units.Round(n.units.ToLength(distance)/energy, 2), true
}

// RemoteStartStatus 远程启动倒计时大于 0 视为运行中
func (n *Normalizer) RemoteStartStatus(s *Snapshot) string {
	countdown, ok := n.metricFloat(s, "remoteStartCountdownTimer")
	if !ok {
		return Unsupported
	}
	if countdown > 0 {
		return "ACTIVE"
	}
	return "INACTIVE"
}

// DeepSleep 车辆是否处于深度睡眠（命令被排除）
func (n *Normalizer) DeepSleep(s *Snapshot) string {
	toState := s.States().Path("commandPreclusion", "value", "toState")
	if !toState.Exists() {
		n.missing("states.commandPreclusion")
		return Unsupported
	}
	if upper(toState) == "COMMANDS_PRECLUDED" {
		return "ACTIVE"
	}
	return "DISABLED"
}

// LastRefresh 车辆数据的更新时间，没有时使用快照生成时间
func (n *Normalizer) LastRefresh(s *Snapshot) time.Time {
	if t, ok := parseTime(s.Get(KeyUpdateTime)); ok {
		return t
	}
	return s.UpdatedAt()
}

// MessageCount 消息中心条数
func (n *Normalizer) MessageCount(s *Snapshot) int {
	return len(s.Messages().Array())
}

// Messages 消息标题列表，按时间倒序
func (n *Normalizer) Messages(s *Snapshot) []map[string]any {
	out := lo.Map(s.Messages().Array(), func(item Value, _ int) map[string]any {
		subject, _ := item.Get("messageSubject").Str()
		created, _ := item.Get("createdDate").Str()
		read, _ := item.Get("isRead").Bool()
		return map[string]any{"subject": subject, "created": created, "read": read}
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i]["created"].(string) > out[j]["created"].(string)
	})
	return out
}

func parseTime(v Value) (time.Time, bool) {
	s, ok := v.Str()
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z0700", "01-02-2006 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
