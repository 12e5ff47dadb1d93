package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Value 对厂商 JSON 节点的只读包装，缺失的节点不会 panic
type Value struct {
	raw any
	ok  bool
}

// Of 包装任意 JSON 解码结果
func Of(raw any) Value {
	return Value{raw: raw, ok: raw != nil}
}

// Exists 节点是否存在且非 null
func (v Value) Exists() bool {
	return v.ok
}

// Raw 原始值
func (v Value) Raw() any {
	return v.raw
}

// Get 取对象字段
func (v Value) Get(key string) Value {
	m, ok := v.raw.(map[string]any)
	if !ok {
		return Value{}
	}
	return Of(m[key])
}

// Path 依次取多级字段
func (v Value) Path(keys ...string) Value {
	cur := v
	for _, k := range keys {
		cur = cur.Get(k)
		if !cur.ok {
			return Value{}
		}
	}
	return cur
}

// Index 取数组元素
func (v Value) Index(i int) Value {
	arr, ok := v.raw.([]any)
	if !ok || i < 0 || i >= len(arr) {
		return Value{}
	}
	return Of(arr[i])
}

// Array 数组元素列表，非数组返回 nil
func (v Value) Array() []Value {
	arr, ok := v.raw.([]any)
	if !ok {
		return nil
	}
	out := make([]Value, len(arr))
	for i, item := range arr {
		out[i] = Of(item)
	}
	return out
}

// Map 对象，非对象返回 nil
func (v Value) Map() map[string]any {
	m, _ := v.raw.(map[string]any)
	return m
}

// Str 字符串值
func (v Value) Str() (string, bool) {
	s, ok := v.raw.(string)
	return s, ok
}

// Float 数值，接受数字和数字字符串，NaN 与 Inf 视为缺失
func (v Value) Float() (float64, bool) {
	var f float64
	switch n := v.raw.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Bool 布尔值，接受 "true"/"false" 字符串
func (v Value) Bool() (bool, bool) {
	switch b := v.raw.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, false
		}
		return parsed, true
	}
	return false, false
}
