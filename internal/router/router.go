package router

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Rewrite 是对响应正文的一次字面子串替换，用于让正文中内嵌的
// 上游 URL 重新指向本代理。
type Rewrite struct {
	From string
	To   string
}

// Rule 描述一条路由规则：路径模式 → (上游模板, 策略, 可选重写)。
// Pattern 为字面前缀（不含正则元字符）或带捕获组的正则。
type Rule struct {
	Name        string
	Pattern     string
	Upstream    string
	PolicyName  string
	Rewrites    []Rewrite
	ContentType string
	SizeLimit   int64
}

// Resolved 是一次路由命中的产物：缓存 key、展开后的上游 URL 与命中的规则。
type Resolved struct {
	Rule     *Rule
	Key      string
	Upstream string
}

// ErrNoRoute 表示没有规则匹配该路径，请求处理层映射为 404。
var ErrNoRoute = errors.New("no rule matches path")

// Router 按配置声明顺序逐条匹配，首个命中的规则生效，不做自动重排。
// 前缀有重叠的规则由配置方负责最特殊者在前。
type Router struct {
	rules []compiledRule
}

type compiledRule struct {
	rule   Rule
	prefix string
	regex  *regexp.Regexp
}

// New 编译规则表。正则规则在此处一次性编译，请求路径上只做匹配。
func New(rules []Rule) (*Router, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		pattern := strings.TrimPrefix(rule.Pattern, "/")
		if pattern == "" {
			return nil, fmt.Errorf("rule #%d: empty pattern", i)
		}
		cr := compiledRule{rule: rule}
		if isLiteralPrefix(pattern) {
			cr.prefix = pattern
		} else {
			re, err := regexp.Compile("^" + pattern + "$")
			if err != nil {
				return nil, fmt.Errorf("rule #%d: compile pattern: %w", i, err)
			}
			if re.NumSubexp() == 0 {
				return nil, fmt.Errorf("rule #%d: regex pattern requires at least one capture group", i)
			}
			cr.regex = re
		}
		compiled = append(compiled, cr)
	}
	return &Router{rules: compiled}, nil
}

// Match 解析请求路径（已去掉前导 `/`），返回缓存 key、上游 URL 与规则。
// 同一路径恒定解析到同一 key，key 即完整请求路径。
func (r *Router) Match(path string) (*Resolved, error) {
	for i := range r.rules {
		cr := &r.rules[i]
		if cr.regex != nil {
			idx := cr.regex.FindStringSubmatchIndex(path)
			if idx == nil {
				continue
			}
			upstream := string(cr.regex.ExpandString(nil, cr.rule.Upstream, path, idx))
			return &Resolved{Rule: &cr.rule, Key: path, Upstream: upstream}, nil
		}
		if strings.HasPrefix(path, cr.prefix) {
			remainder := path[len(cr.prefix):]
			return &Resolved{Rule: &cr.rule, Key: path, Upstream: cr.rule.Upstream + remainder}, nil
		}
	}
	return nil, ErrNoRoute
}

// ShouldRewrite 报告响应正文是否需要应用该规则的重写：
// 规则声明了重写，且内容类型为 text/* 或等于规则的 content_type 覆盖值。
func (rule *Rule) ShouldRewrite(contentType string) bool {
	if len(rule.Rewrites) == 0 {
		return false
	}
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	return rule.ContentType != "" && contentTypeEquals(contentType, rule.ContentType)
}

// Apply 按声明顺序执行字面替换，单次从左到右扫描，替换结果不再复扫。
func Apply(body []byte, rewrites []Rewrite) []byte {
	for _, rw := range rewrites {
		if rw.From == "" {
			continue
		}
		body = bytes.ReplaceAll(body, []byte(rw.From), []byte(rw.To))
	}
	return body
}

func contentTypeEquals(actual, expected string) bool {
	if semi := strings.IndexByte(actual, ';'); semi >= 0 {
		actual = actual[:semi]
	}
	return strings.TrimSpace(actual) == expected
}

// isLiteralPrefix 报告模式是否不含正则元字符，可以按字面前缀匹配。
func isLiteralPrefix(pattern string) bool {
	return !strings.ContainsAny(pattern, `()[]{}.*+?^$|\`)
}
