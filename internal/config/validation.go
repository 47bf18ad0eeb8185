package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedLogLevels = map[string]struct{}{
	"error": {},
	"warn":  {},
	"info":  {},
	"debug": {},
	"trace": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.Port <= 0 || g.Port > 65535 {
		return newFieldError("port", "必须在 1-65535")
	}
	if g.MetricsPort <= 0 || g.MetricsPort > 65535 {
		return newFieldError("metrics_port", "必须在 1-65535")
	}
	if g.MetricsPort == g.Port {
		return newFieldError("metrics_port", "不能与 port 相同")
	}
	if _, ok := supportedLogLevels[strings.ToLower(g.LogLevel)]; !ok {
		return newFieldError("log_level", "仅支持 error|warn|info|debug|trace")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("upstream_timeout", "必须大于 0")
	}

	if err := c.validateStorages(); err != nil {
		return err
	}
	if err := c.validatePolicies(); err != nil {
		return err
	}
	if err := c.validateRules(); err != nil {
		return err
	}

	if c.UsesMetaDB(MetaDBRedis) && c.Redis.URL == "" {
		return newFieldError("redis.url", "存在使用远程元数据库的策略时必填")
	}
	if c.UsesMetaDB(MetaDBBolt) && c.Bolt.MetadataPath == "" {
		return newFieldError("bolt.metadata_path", "存在使用嵌入式元数据库的策略时必填")
	}

	return nil
}

func (c *Config) validateStorages() error {
	if len(c.Storages) == 0 {
		return errors.New("至少需要配置一个存储后端")
	}
	seen := map[string]struct{}{}
	for i := range c.Storages {
		s := &c.Storages[i]
		if s.Name == "" {
			return newFieldError("storages[].name", "不能为空")
		}
		if _, exists := seen[s.Name]; exists {
			return newFieldError(storageField(s.Name, "name"), "重复")
		}
		seen[s.Name] = struct{}{}

		switch s.Type {
		case StorageTypeFS:
			if s.Path == "" {
				return newFieldError(storageField(s.Name, "path"), "FS 存储必须指定目录")
			}
		case StorageTypeMem:
		default:
			return newFieldError(storageField(s.Name, "type"), "仅支持 FS|MEM")
		}
	}
	return nil
}

func (c *Config) validatePolicies() error {
	if len(c.Policies) == 0 {
		return errors.New("至少需要配置一个策略")
	}
	seen := map[string]struct{}{}
	for i := range c.Policies {
		p := &c.Policies[i]
		if p.Name == "" {
			return newFieldError("policies[].name", "不能为空")
		}
		if _, exists := seen[p.Name]; exists {
			return newFieldError(policyField(p.Name, "name"), "重复")
		}
		seen[p.Name] = struct{}{}

		if _, ok := c.StorageByName(p.Storage); !ok {
			return newFieldError(policyField(p.Name, "storage"), fmt.Sprintf("未声明的存储: %s", p.Storage))
		}

		switch p.MetadataDB {
		case MetaDBRedis, MetaDBBolt:
		default:
			return newFieldError(policyField(p.Name, "metadata_db"), "仅支持 redis|bolt")
		}

		switch p.Type {
		case PolicyTypeLRU:
			if p.Size.Int64() <= 0 {
				return newFieldError(policyField(p.Name, "size"), "LRU 策略必须指定正的大小预算")
			}
		case PolicyTypeTTL:
			if p.Timeout.DurationValue() <= 0 {
				return newFieldError(policyField(p.Name, "timeout"), "TTL 策略必须指定正的过期时间")
			}
			if p.CleanInterval.DurationValue() <= 0 {
				return newFieldError(policyField(p.Name, "clean_interval"), "必须大于 0")
			}
		default:
			return newFieldError(policyField(p.Name, "type"), "仅支持 LRU|TTL")
		}
	}
	return nil
}

func (c *Config) validateRules() error {
	if len(c.Rules) == 0 {
		return errors.New("至少需要配置一条规则")
	}
	for i := range c.Rules {
		r := &c.Rules[i]
		label := r.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if r.Path == "" {
			return newFieldError(ruleField(label, "path"), "不能为空")
		}
		if err := validateUpstream(r.Upstream); err != nil {
			return fmt.Errorf("%s: %w", ruleField(label, "upstream"), err)
		}
		if _, ok := c.PolicyByName(r.Policy); !ok {
			return newFieldError(ruleField(label, "policy"), fmt.Sprintf("未声明的策略: %s", r.Policy))
		}
		for _, rw := range r.Rewrite {
			if rw.From == "" {
				return newFieldError(ruleField(label, "rewrite.from"), "不能为空")
			}
		}
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	// 正则规则的上游模板可能含 $1 等引用，先去掉再校验 URL 骨架
	probe := strings.NewReplacer("$1", "x", "$2", "x", "$3", "x", "$4", "x").Replace(raw)
	parsed, err := url.Parse(probe)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
