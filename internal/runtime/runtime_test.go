package runtime

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/mirror-cache/mirror-cache/internal/config"
)

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Global: config.GlobalConfig{Port: 9000, MetricsPort: 9001, LogLevel: "info"},
		Bolt:   config.BoltConfig{MetadataPath: filepath.Join(t.TempDir(), "meta.db")},
		Storages: []config.StorageConfig{
			{Name: "mem", Type: config.StorageTypeMem},
		},
		Policies: []config.PolicyConfig{
			{
				Name:       "packages",
				Type:       config.PolicyTypeLRU,
				MetadataDB: config.MetaDBBolt,
				Storage:    "mem",
				Size:       config.Size(1000),
			},
			{
				Name:       "unused",
				Type:       config.PolicyTypeTTL,
				MetadataDB: config.MetaDBBolt,
				Storage:    "mem",
				Timeout:    config.Duration(60_000_000_000),
			},
		},
		Rules: []config.RuleConfig{
			{Name: "a", Path: "pypi/packages", Upstream: "https://files.pythonhosted.org/packages", Policy: "packages"},
			{Name: "b", Path: "github/", Upstream: "https://github.com/", Policy: "packages"},
		},
	}
}

func TestNewMaterializesGraph(t *testing.T) {
	rt, err := New(testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	defer rt.Close()

	snap := rt.Snapshot()
	if snap == nil {
		t.Fatalf("snapshot missing")
	}

	resolved, err := snap.Router.Match("pypi/packages/abc.tar.gz")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resolved.Upstream != "https://files.pythonhosted.org/packages/abc.tar.gz" {
		t.Fatalf("upstream: %s", resolved.Upstream)
	}

	if _, ok := snap.Policy("packages"); !ok {
		t.Fatalf("packages policy missing")
	}
	// 未被任何规则引用的策略不应被物化
	if _, ok := snap.Policy("unused"); ok {
		t.Fatalf("unused policy should not be materialized")
	}
}

func TestRulesSharingPolicyShareInstance(t *testing.T) {
	rt, err := New(testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	defer rt.Close()

	snap := rt.Snapshot()
	p1, _ := snap.Policy("packages")

	a, _ := snap.Router.Match("pypi/packages/x")
	b, _ := snap.Router.Match("github/y")
	if a.Rule.PolicyName != b.Rule.PolicyName {
		t.Fatalf("rules should reference the same policy")
	}

	p2, _ := snap.Policy(b.Rule.PolicyName)
	if p1 != p2 {
		t.Fatalf("expected shared policy instance")
	}
}

func TestReloadShrinksBudgetAndEvicts(t *testing.T) {
	cfg := testConfig(t)
	rt, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	defer rt.Close()

	ctx := context.Background()
	p, _ := rt.Snapshot().Policy("packages")
	if err := p.Put(ctx, "big-entry", make([]byte, 800), ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := p.Get(ctx, "big-entry"); err != nil {
		t.Fatalf("expected hit before reload: %v", err)
	}

	// 把预算从 1000 降到 100 后热切换；元数据与存储在快照间共享
	cfg.Policies[0].Size = config.Size(100)
	if err := rt.Reload(cfg); err != nil {
		t.Fatalf("reload: %v", err)
	}

	p2, ok := rt.Snapshot().Policy("packages")
	if !ok {
		t.Fatalf("policy missing after reload")
	}
	// 下一次触发容量检查的 Put 必须把超预算的旧条目清出去
	if err := p2.Put(ctx, "small-entry", make([]byte, 50), ""); err != nil {
		t.Fatalf("put after reload: %v", err)
	}
	if _, err := p2.Get(ctx, "big-entry"); err == nil {
		t.Fatalf("big entry should be evicted under the new budget")
	}
	if _, err := p2.Get(ctx, "small-entry"); err != nil {
		t.Fatalf("small entry should survive: %v", err)
	}
}

func TestReloadRejectsBrokenConfigKeepsOldSnapshot(t *testing.T) {
	cfg := testConfig(t)
	rt, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	defer rt.Close()

	before := rt.Snapshot()

	broken := *cfg
	broken.Rules = []config.RuleConfig{
		{Name: "bad", Path: "x/(", Upstream: "https://example.com/$1", Policy: "packages"},
	}
	if err := rt.Reload(&broken); err == nil {
		t.Fatalf("expected reload failure for broken regex")
	}

	if rt.Snapshot() != before {
		t.Fatalf("failed reload must keep the old snapshot")
	}
}
