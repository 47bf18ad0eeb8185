// Package runtime 将声明式配置物化为运行期对象图：存储后端 → 元数据库 →
// 策略 → 路由表。整图打包为不可变 Snapshot，热更新时整体重建后原子换指针，
// 在途请求继续使用它们捕获的旧快照。
package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mirror-cache/mirror-cache/internal/config"
	"github.com/mirror-cache/mirror-cache/internal/metadb"
	"github.com/mirror-cache/mirror-cache/internal/policy"
	"github.com/mirror-cache/mirror-cache/internal/router"
	"github.com/mirror-cache/mirror-cache/internal/storage"
)

// Snapshot 是一次配置物化的结果。构建完成后不再修改。
type Snapshot struct {
	Router   *router.Router
	policies map[string]policy.Policy
}

// Policy 按名称返回策略实例。
func (s *Snapshot) Policy(name string) (policy.Policy, bool) {
	p, ok := s.policies[name]
	return p, ok
}

// closePolicies 停掉本快照私有的策略资源（TTL 清扫器）。
// 共享的元数据库与存储由 Runtime 持有，不在这里关闭。
func (s *Snapshot) closePolicies() {
	for _, p := range s.policies {
		_ = p.Close()
	}
}

// Runtime 持有跨快照共享的连接（元数据库、存储后端）与当前快照指针。
// 嵌入式元数据库存在文件锁，重建快照时必须复用同一句柄。
type Runtime struct {
	logger *logrus.Logger

	mu       sync.Mutex
	metadbs  map[string]metadb.MetaDB
	storages map[string]storage.Storage

	current atomic.Pointer[Snapshot]
}

// New 根据配置构建首个快照。构建成功后执行启动期孤儿修复。
func New(cfg *config.Config, logger *logrus.Logger) (*Runtime, error) {
	r := &Runtime{
		logger:   logger,
		metadbs:  make(map[string]metadb.MetaDB),
		storages: make(map[string]storage.Storage),
	}

	snap, err := r.build(cfg)
	if err != nil {
		r.closeShared()
		return nil, err
	}
	r.current.Store(snap)

	r.reconcile(cfg, snap)
	return r, nil
}

// Snapshot 返回当前生效的快照。调用方在单次请求内复用同一返回值。
func (r *Runtime) Snapshot() *Snapshot {
	return r.current.Load()
}

// Reload 用新配置重建快照并原子切换。失败时保留旧快照。
func (r *Runtime) Reload(cfg *config.Config) error {
	snap, err := r.build(cfg)
	if err != nil {
		return err
	}
	old := r.current.Swap(snap)
	if old != nil {
		old.closePolicies()
	}
	r.logger.WithFields(logrus.Fields{
		"action":   "reload",
		"rules":    len(cfg.Rules),
		"policies": len(cfg.Policies),
	}).Info("配置快照已切换")
	return nil
}

// Close 停掉当前快照并释放共享连接。
func (r *Runtime) Close() error {
	if snap := r.current.Load(); snap != nil {
		snap.closePolicies()
	}
	r.closeShared()
	return nil
}

func (r *Runtime) build(cfg *config.Config) (snap *Snapshot, err error) {
	policies := make(map[string]policy.Policy, len(cfg.Policies))
	defer func() {
		// 构建中途失败时停掉已创建策略的后台协程
		if err != nil {
			for _, p := range policies {
				_ = p.Close()
			}
		}
	}()

	// 只物化被规则引用的策略，避免为闲置声明启动清扫器
	active := map[string]struct{}{}
	for i := range cfg.Rules {
		active[cfg.Rules[i].Policy] = struct{}{}
	}

	for name := range active {
		pc, ok := cfg.PolicyByName(name)
		if !ok {
			return nil, fmt.Errorf("no such policy: %s", name)
		}
		p, buildErr := r.buildPolicy(cfg, pc, maxRuleSizeOverride(cfg, name))
		if buildErr != nil {
			return nil, buildErr
		}
		policies[name] = p
	}

	rules := make([]router.Rule, 0, len(cfg.Rules))
	for i := range cfg.Rules {
		rc := &cfg.Rules[i]
		rewrites := make([]router.Rewrite, 0, len(rc.Rewrite))
		for _, rw := range rc.Rewrite {
			rewrites = append(rewrites, router.Rewrite{From: rw.From, To: rw.To})
		}
		rules = append(rules, router.Rule{
			Name:        rc.Name,
			Pattern:     rc.Path,
			Upstream:    rc.Upstream,
			PolicyName:  rc.Policy,
			Rewrites:    rewrites,
			ContentType: rc.Options.ContentType,
			SizeLimit:   rc.SizeLimit.Int64(),
		})
	}
	rt, err := router.New(rules)
	if err != nil {
		return nil, err
	}

	return &Snapshot{Router: rt, policies: policies}, nil
}

// maxRuleSizeOverride 返回规则级 size_limit 对策略预算的覆盖值：
// 规则级与策略级同时存在时规则级优先（取引用该策略的规则中的最大者）。
func maxRuleSizeOverride(cfg *config.Config, policyName string) int64 {
	var override int64
	for i := range cfg.Rules {
		rc := &cfg.Rules[i]
		if rc.Policy == policyName && rc.SizeLimit.Int64() > override {
			override = rc.SizeLimit.Int64()
		}
	}
	return override
}

func (r *Runtime) buildPolicy(cfg *config.Config, pc *config.PolicyConfig, sizeOverride int64) (policy.Policy, error) {
	store, err := r.storageFor(cfg, pc.Storage)
	if err != nil {
		return nil, err
	}
	db, err := r.metaDBFor(cfg, pc.MetadataDB)
	if err != nil {
		return nil, err
	}

	switch pc.Type {
	case config.PolicyTypeLRU:
		budget := pc.Size.Int64()
		if sizeOverride > 0 {
			budget = sizeOverride
		}
		return policy.NewLRU(pc.Name, budget, db, store, r.logger), nil
	case config.PolicyTypeTTL:
		return policy.NewTTL(pc.Name, pc.Timeout.DurationValue(), pc.CleanInterval.DurationValue(), db, store, r.logger), nil
	default:
		return nil, fmt.Errorf("unknown policy type: %s", pc.Type)
	}
}

func (r *Runtime) storageFor(cfg *config.Config, name string) (storage.Storage, error) {
	sc, ok := cfg.StorageByName(name)
	if !ok {
		return nil, fmt.Errorf("no such storage: %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cacheKey := sc.Type + ":" + sc.Name + ":" + sc.Path
	if store, ok := r.storages[cacheKey]; ok {
		return store, nil
	}

	var (
		store storage.Storage
		err   error
	)
	switch sc.Type {
	case config.StorageTypeFS:
		store, err = storage.NewFS(sc.Path)
	case config.StorageTypeMem:
		store = storage.NewMem()
	default:
		err = fmt.Errorf("unknown storage type: %s", sc.Type)
	}
	if err != nil {
		return nil, err
	}
	r.storages[cacheKey] = store
	return store, nil
}

func (r *Runtime) metaDBFor(cfg *config.Config, kind string) (metadb.MetaDB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cacheKey string
	switch kind {
	case config.MetaDBRedis:
		cacheKey = "redis:" + cfg.Redis.URL
	case config.MetaDBBolt:
		cacheKey = "bolt:" + cfg.Bolt.MetadataPath
	default:
		return nil, fmt.Errorf("unknown metadata_db: %s", kind)
	}

	if db, ok := r.metadbs[cacheKey]; ok {
		return db, nil
	}

	var (
		db  metadb.MetaDB
		err error
	)
	switch kind {
	case config.MetaDBRedis:
		db, err = metadb.NewRedis(cfg.Redis.URL)
	case config.MetaDBBolt:
		db, err = metadb.NewBolt(cfg.Bolt.MetadataPath)
	}
	if err != nil {
		return nil, err
	}
	r.metadbs[cacheKey] = db
	return db, nil
}

// reconcile 对独占其存储后端的策略执行启动期孤儿清理。
// 共享存储的孤儿判定需要跨策略的元数据视图，留给读路径惰性修复。
func (r *Runtime) reconcile(cfg *config.Config, snap *Snapshot) {
	usage := map[string]int{}
	for i := range cfg.Policies {
		usage[cfg.Policies[i].Storage]++
	}

	for name, p := range snap.policies {
		pc, ok := cfg.PolicyByName(name)
		if !ok || usage[pc.Storage] != 1 {
			continue
		}
		if err := p.Reconcile(context.Background()); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"action": "reconcile",
				"policy": name,
			}).Warn("startup_reconcile_failed")
		}
	}
}

func (r *Runtime) closeShared() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, db := range r.metadbs {
		_ = db.Close()
	}
	r.metadbs = make(map[string]metadb.MetaDB)
	r.storages = make(map[string]storage.Storage)
}
