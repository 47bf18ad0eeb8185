package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// Size 是字节数配置项，兼容纯整数与 "10 MB" 这类人类可读写法
// （单位 B/KB/MB/GB，十进制，空格可有可无）。
type Size int64

// UnmarshalText 解析人类可读的字节数。
func (s *Size) UnmarshalText(text []byte) error {
	value, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = Size(value)
	return nil
}

// Int64 返回字节数。
func (s Size) Int64() int64 {
	return int64(s)
}

var sizeUnits = map[string]int64{
	"":   1,
	"B":  1,
	"KB": 1000,
	"MB": 1000 * 1000,
	"GB": 1000 * 1000 * 1000,
	"TB": 1000 * 1000 * 1000 * 1000,
}

// ParseSize 解析 "123"、"10MB"、"1.5 GB" 等写法为字节数。
func ParseSize(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	split := len(trimmed)
	for i, r := range trimmed {
		if (r < '0' || r > '9') && r != '.' {
			split = i
			break
		}
	}
	numPart := strings.TrimSpace(trimmed[:split])
	unitPart := strings.ToUpper(strings.TrimSpace(trimmed[split:]))

	multiplier, ok := sizeUnits[unitPart]
	if !ok {
		return 0, fmt.Errorf("invalid size unit: %s", raw)
	}
	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %s", raw)
	}
	return int64(value * float64(multiplier)), nil
}

// GlobalConfig 描述全局运行时行为，所有规则共享同一份参数。
type GlobalConfig struct {
	Port            int      `mapstructure:"port"`
	MetricsPort     int      `mapstructure:"metrics_port"`
	LogLevel        string   `mapstructure:"log_level"`
	LogFilePath     string   `mapstructure:"log_file_path"`
	LogMaxSize      int      `mapstructure:"log_max_size"`
	LogMaxBackups   int      `mapstructure:"log_max_backups"`
	LogCompress     bool     `mapstructure:"log_compress"`
	HotReload       bool     `mapstructure:"hot_reload"`
	UpstreamTimeout Duration `mapstructure:"upstream_timeout"`
}

// RedisConfig 仅在存在使用远程元数据库的策略时必填。
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// BoltConfig 仅在存在使用嵌入式元数据库的策略时必填。
type BoltConfig struct {
	MetadataPath string `mapstructure:"metadata_path"`
}

// RewriteConfig 是一条 from → to 的字面替换。
type RewriteConfig struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// RuleOptions 汇总规则的可选项。
type RuleOptions struct {
	ContentType string `mapstructure:"content_type"`
}

// RuleConfig 将路径模式绑定到上游模板与策略。
type RuleConfig struct {
	Name      string          `mapstructure:"name"`
	Path      string          `mapstructure:"path"`
	Upstream  string          `mapstructure:"upstream"`
	Policy    string          `mapstructure:"policy"`
	SizeLimit Size            `mapstructure:"size_limit"`
	Rewrite   []RewriteConfig `mapstructure:"rewrite"`
	Options   RuleOptions     `mapstructure:"options"`
}

// 策略与存储的类型标识，构图时按 type 字段分派具体实现。
const (
	PolicyTypeLRU = "LRU"
	PolicyTypeTTL = "TTL"

	StorageTypeFS  = "FS"
	StorageTypeMem = "MEM"

	MetaDBRedis = "redis"
	MetaDBBolt  = "bolt"
)

// PolicyConfig 描述一个命名策略：淘汰类型、元数据库、存储后端及参数。
type PolicyConfig struct {
	Name          string   `mapstructure:"name"`
	Type          string   `mapstructure:"type"`
	MetadataDB    string   `mapstructure:"metadata_db"`
	Storage       string   `mapstructure:"storage"`
	Timeout       Duration `mapstructure:"timeout"`
	CleanInterval Duration `mapstructure:"clean_interval"`
	Size          Size     `mapstructure:"size"`
}

// StorageConfig 描述一个命名存储后端。
type StorageConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
}

// Config 是 YAML 配置文件映射的整体结构。
type Config struct {
	Global   GlobalConfig    `mapstructure:",squash"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Bolt     BoltConfig      `mapstructure:"bolt"`
	Rules    []RuleConfig    `mapstructure:"rules"`
	Policies []PolicyConfig  `mapstructure:"policies"`
	Storages []StorageConfig `mapstructure:"storages"`
}

// PolicyByName 按名称查找策略声明。
func (c *Config) PolicyByName(name string) (*PolicyConfig, bool) {
	for i := range c.Policies {
		if c.Policies[i].Name == name {
			return &c.Policies[i], true
		}
	}
	return nil, false
}

// StorageByName 按名称查找存储声明。
func (c *Config) StorageByName(name string) (*StorageConfig, bool) {
	for i := range c.Storages {
		if c.Storages[i].Name == name {
			return &c.Storages[i], true
		}
	}
	return nil, false
}

// UsesMetaDB 报告是否有策略声明了指定类型的元数据库。
func (c *Config) UsesMetaDB(kind string) bool {
	for i := range c.Policies {
		if c.Policies[i].MetadataDB == kind {
			return true
		}
	}
	return false
}
