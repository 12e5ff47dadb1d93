package normalize

import (
	"encoding/json"
	"time"
)

// 快照顶层字段
const (
	KeyMetrics     = "metrics"
	KeyEvents      = "events"
	KeyStates      = "states"
	KeyMessages    = "messages"
	KeyVehicles    = "vehicles"
	KeyGuardStatus = "guardStatus"
	KeyUpdateTime  = "updateTime"
)

// Snapshot 一辆车的最新视图。内容不可变，每次更新生成新快照；
// 厂商新增的字段原样保留
type Snapshot struct {
	root      map[string]any
	updatedAt time.Time
}

// NewSnapshot 由一次完整轮询的结果构建快照，guard 为 nil 表示未开通哨兵模式
func NewSnapshot(telemetry map[string]any, messages []any, vehicles map[string]any, guard map[string]any, at time.Time) *Snapshot {
	root := make(map[string]any, len(telemetry)+3)
	for k, v := range telemetry {
		root[k] = deepCopy(v)
	}
	if messages == nil {
		messages = []any{}
	}
	root[KeyMessages] = deepCopy(messages)
	if vehicles != nil {
		root[KeyVehicles] = deepCopy(vehicles)
	}
	if guard != nil {
		root[KeyGuardStatus] = deepCopy(guard)
	}
	return &Snapshot{root: root, updatedAt: at}
}

// FromRoot 直接由完整 JSON 树构建快照
func FromRoot(root map[string]any, at time.Time) *Snapshot {
	c, _ := deepCopy(root).(map[string]any)
	if c == nil {
		c = map[string]any{}
	}
	return &Snapshot{root: c, updatedAt: at}
}

// UpdatedAt 快照生成时间
func (s *Snapshot) UpdatedAt() time.Time {
	return s.updatedAt
}

// Get 按路径取值
func (s *Snapshot) Get(keys ...string) Value {
	return Of(s.root).Path(keys...)
}

// Metrics metrics 节点
func (s *Snapshot) Metrics() Value { return s.Get(KeyMetrics) }

// Events events 节点
func (s *Snapshot) Events() Value { return s.Get(KeyEvents) }

// States states 节点
func (s *Snapshot) States() Value { return s.Get(KeyStates) }

// Messages 消息列表
func (s *Snapshot) Messages() Value { return s.Get(KeyMessages) }

// Vehicles dashboard 记录
func (s *Snapshot) Vehicles() Value { return s.Get(KeyVehicles) }

// GuardStatus 哨兵模式状态，未开通时不存在
func (s *Snapshot) GuardStatus() Value { return s.Get(KeyGuardStatus) }

// CommandState states.{type}Command 节点
func (s *Snapshot) CommandState(commandType string) Value {
	return s.Get(KeyStates, commandType+"Command")
}

// MergeDelta 把推送的增量合并进快照，返回新快照，原快照不变
func (s *Snapshot) MergeDelta(delta map[string]any, at time.Time) *Snapshot {
	root, _ := deepCopy(s.root).(map[string]any)
	mergeInto(root, delta)
	return &Snapshot{root: root, updatedAt: at}
}

// MarshalJSON 输出完整 JSON 树
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.root)
}

// mergeInto 递归合并对象，其他类型直接覆盖
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dstMap, srcMap)
			continue
		}
		dst[k] = deepCopy(v)
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, item := range t {
			m[k] = deepCopy(item)
		}
		return m
	case []any:
		arr := make([]any, len(t))
		for i, item := range t {
			arr[i] = deepCopy(item)
		}
		return arr
	default:
		return v
	}
}
