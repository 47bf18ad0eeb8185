package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 YAML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch 监听配置文件变更，变更通过重新解析后的新配置回调 onChange。
// 解析或校验失败的变更只回调 onError，当前生效的配置不受影响。
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v, err := read(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func read(path string) (*viper.Viper, error) {
	if path == "" {
		path = "config.yml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		sizeDecodeHook(),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Policies {
		applyPolicyDefaults(&cfg.Policies[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 9000)
	v.SetDefault("metrics_port", 9001)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file_path", "")
	v.SetDefault("log_max_size", 100)
	v.SetDefault("log_max_backups", 10)
	v.SetDefault("log_compress", true)
	v.SetDefault("hot_reload", false)
	v.SetDefault("upstream_timeout", "30s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.Port == 0 {
		g.Port = 9000
	}
	if g.MetricsPort == 0 {
		g.MetricsPort = 9001
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyPolicyDefaults(p *PolicyConfig) {
	if p.Type == PolicyTypeTTL && p.CleanInterval.DurationValue() == 0 {
		p.CleanInterval = Duration(3 * time.Second)
	}
	if p.MetadataDB == "" {
		p.MetadataDB = MetaDBBolt
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func sizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Size(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := ParseSize(v)
			if err != nil {
				return nil, err
			}
			return Size(parsed), nil
		case int:
			return Size(v), nil
		case int64:
			return Size(v), nil
		case float64:
			return Size(int64(v)), nil
		case Size:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Size 类型: %T", v)
		}
	}
}
