package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/langchou/fordgazer/internal/api/ford"
	"github.com/langchou/fordgazer/internal/units"
)

// 配置错误，启动时即失败
var (
	ErrMissingVIN  = errors.New("at least one VIN is required")
	ErrMissingUser = errors.New("FORD_USERNAME is required")
)

type Config struct {
	// Server
	ServerPort string
	Debug      bool

	// Database（为空时令牌保存在文件中）
	DatabaseURL string

	// Ford 账户
	Username string
	Region   string
	VINs     []string

	// Ford API
	GuardHost             string
	AutonomicHost         string
	AutonomicAccountsHost string
	PushHost              string

	// 刷新
	UpdateInterval   time.Duration
	WatchdogInterval time.Duration
	PushEnabled      bool
	PushMaxAge       time.Duration

	// 单位
	UnitSystem   string
	PressureUnit string

	// Token 文件目录
	TokenDir string
}

func Load() (*Config, error) {
	// 尝试加载 .env 文件（可选）
	_ = godotenv.Load()

	defaults := ford.DefaultHosts()

	cfg := &Config{
		ServerPort:            getEnv("PORT", "4000"),
		Debug:                 getEnvBool("DEBUG", false),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		Username:              getEnv("FORD_USERNAME", ""),
		Region:                getEnv("FORD_REGION", "rest_of_world"),
		VINs:                  getEnvList("FORD_VINS"),
		GuardHost:             getEnv("FORD_GUARD_HOST", defaults.Guard),
		AutonomicHost:         getEnv("FORD_AUTO_HOST", defaults.Autonomic),
		AutonomicAccountsHost: getEnv("FORD_AUTO_ACCOUNTS_HOST", defaults.AutonomicAccounts),
		PushHost:              getEnv("PUSH_HOST", defaults.Push),
		UpdateInterval:        getEnvDuration("UPDATE_INTERVAL", 290*time.Second),
		WatchdogInterval:      getEnvDuration("WATCHDOG_INTERVAL", 64*time.Second),
		PushEnabled:           getEnvBool("PUSH_ENABLED", true),
		PushMaxAge:            getEnvDuration("PUSH_MAX_AGE", 15*time.Minute),
		UnitSystem:            getEnv("UNIT_SYSTEM", "metric"),
		PressureUnit:          getEnv("PRESSURE_UNIT", "kPa"),
		TokenDir:              getEnv("TOKEN_DIR", "."),
	}

	return cfg, nil
}

// Validate 检查区域、VIN、用户名和单位
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return ErrMissingUser
	}
	if len(c.VINs) == 0 {
		return ErrMissingVIN
	}
	if _, err := ford.LookupRegion(c.Region); err != nil {
		return err
	}
	if _, err := c.Display(); err != nil {
		return err
	}
	return nil
}

// Hosts Ford API 地址
func (c *Config) Hosts() ford.Hosts {
	h := ford.DefaultHosts()
	h.Guard = c.GuardHost
	h.Autonomic = c.AutonomicHost
	h.AutonomicAccounts = c.AutonomicAccountsHost
	h.Push = c.PushHost
	return h
}

// Display 由宿主单位制和胎压单位组合出显示单位
func (c *Config) Display() (units.Display, error) {
	system, err := units.ParseSystem(c.UnitSystem)
	if err != nil {
		return units.Display{}, err
	}
	var pressure units.PressureUnit
	if c.PressureUnit != "" {
		pressure, err = units.ParsePressure(c.PressureUnit)
		if err != nil {
			return units.Display{}, err
		}
	}
	return units.ForVehicle(system, pressure), nil
}

func (c *Config) String() string {
	return fmt.Sprintf("user=%s region=%s vins=%d update=%s push=%t", c.Username, c.Region, len(c.VINs), c.UpdateInterval, c.PushEnabled)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
		// 纯数字按秒处理
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// getEnvList 逗号分隔的列表，去掉空白项
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.ToUpper(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}
