// Package flight 将同一缓存 key 上的并发未命中合并为一次回源请求，
// 所有等待者共享同一份结果字节。key 在全局唯一（等于请求路径），
// 因此协调器按进程全局划分，而非按策略划分。
package flight

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

// Result 是一次回源的共享结果。Body 在填充后不可变，
// 所有等待者持有同一底层数组的引用。
type Result struct {
	Body        []byte
	ContentType string
	Status      int
	// Header 仅在非 200 透传场景携带上游响应头。
	Header http.Header
	// RedirectTo 非空时表示正文超过规则的 size_limit，
	// 客户端应被重定向到上游直接下载。
	RedirectTo string
}

// FetchFunc 执行实际的回源请求。ctx 与任何单个客户端解耦，
// 仅受上游超时约束。
type FetchFunc func(ctx context.Context) (*Result, error)

// Group 保证同一 key 同时至多一次在途回源。槽位在结果交付后才释放，
// 晚到的等待者不会触发重复请求；失败结果交付给本轮全部等待者，
// 不做负缓存，下一个请求开启新一轮。
type Group struct {
	group   singleflight.Group
	timeout time.Duration
}

// NewGroup 构建协调器，timeout 限定单次回源的最长耗时。
func NewGroup(timeout time.Duration) *Group {
	return &Group{timeout: timeout}
}

// Fetch 返回 key 对应的回源结果。首个调用者发起请求，其余挂起等待。
// 回源在独立 context 上执行：某个客户端断开只取消它自身的等待，
// 不影响其他等待者，也不中断在途请求。
func (g *Group) Fetch(ctx context.Context, key string, fn FetchFunc) (*Result, bool, error) {
	ch := g.group.DoChan(key, func() (interface{}, error) {
		fetchCtx := context.Background()
		if g.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, g.timeout)
			defer cancel()
		}
		return fn(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	}
}
