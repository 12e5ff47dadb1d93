package command

import (
	"fmt"
	"strings"
)

// 命令类型
const (
	Lock              = "lock"
	Unlock            = "unlock"
	RemoteStart       = "remoteStart"
	CancelRemoteStart = "cancelRemoteStart"
	StatusRefresh     = "statusRefresh"
	StartCharge       = "startCharge"
	StopCharge        = "stopCharge"
	GuardEnable       = "guardEnable"
	GuardDisable      = "guardDisable"
)

// urlCommands 走 fordconnect URL 接口的命令
var urlCommands = map[string]bool{
	StartCharge: true,
	StopCharge:  true,
}

var vocabulary = []string{
	Lock, Unlock, RemoteStart, CancelRemoteStart, StatusRefresh,
	StartCharge, StopCharge, GuardEnable, GuardDisable,
}

// Names 支持的命令列表
func Names() []string {
	out := make([]string, len(vocabulary))
	copy(out, vocabulary)
	return out
}

// Parse 校验命令名称，忽略大小写
func Parse(name string) (string, error) {
	for _, c := range vocabulary {
		if strings.EqualFold(c, strings.TrimSpace(name)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown command %q", name)
}

// IsURLCommand 是否为 URL 形式的命令
func IsURLCommand(name string) bool {
	return urlCommands[name]
}

// IsGuardCommand 哨兵模式命令直接调用 REST，无需轮询
func IsGuardCommand(name string) bool {
	return name == GuardEnable || name == GuardDisable
}

// Outcome 命令执行结果
type Outcome int

const (
	Success Outcome = iota
	Expired
	Rejected
	Exhausted
	CommError
	ReauthRequired
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Expired:
		return "expired"
	case Rejected:
		return "rejected"
	case Exhausted:
		return "exhausted"
	case CommError:
		return "communication_error"
	case ReauthRequired:
		return "reauth_required"
	}
	return "unknown"
}

// OK 命令是否成功
func (o Outcome) OK() bool {
	return o == Success
}

// ExitCode CLI 退出码：0 成功，1 过期/拒绝/超时，2 通信错误，3 需要重新授权
func (o Outcome) ExitCode() int {
	switch o {
	case Success:
		return 0
	case CommError:
		return 2
	case ReauthRequired:
		return 3
	}
	return 1
}

// MarshalText 以字符串形式输出
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}
