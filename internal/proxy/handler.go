package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/mirror-cache/mirror-cache/internal/flight"
	"github.com/mirror-cache/mirror-cache/internal/logging"
	"github.com/mirror-cache/mirror-cache/internal/metrics"
	"github.com/mirror-cache/mirror-cache/internal/policy"
	"github.com/mirror-cache/mirror-cache/internal/router"
	"github.com/mirror-cache/mirror-cache/internal/runtime"
	"github.com/mirror-cache/mirror-cache/internal/server"
)

const defaultContentType = "application/octet-stream"

// Handler 负责 orchestrate “路由 → 缓存查找 → 合并回源 → 写缓存 → 响应”
// 的全流程，对外暴露 Fiber handler，内部复用共享 http.Client 与当前配置快照。
type Handler struct {
	runtime *runtime.Runtime
	client  *http.Client
	logger  *logrus.Logger
	flights *flight.Group
}

// NewHandler constructs a proxy handler with shared HTTP client/logger/runtime.
func NewHandler(rt *runtime.Runtime, client *http.Client, logger *logrus.Logger, upstreamTimeout time.Duration) *Handler {
	return &Handler{
		runtime: rt,
		client:  client,
		logger:  logger,
		flights: flight.NewGroup(upstreamTimeout),
	}
}

// Handle 执行缓存查找与回源逻辑，任何阶段出错都会输出结构化日志。
// 请求在进入时捕获当前快照，热更新不影响在途请求。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	path := strings.TrimPrefix(string(c.Request().URI().Path()), "/")

	snap := h.runtime.Snapshot()
	resolved, err := snap.Router.Match(path)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action": "route",
			"path":   path,
		}).Warn("no_route")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_route"})
	}

	pol, ok := snap.Policy(resolved.Rule.PolicyName)
	if !ok {
		h.logger.WithFields(logrus.Fields{
			"action": "route",
			"policy": resolved.Rule.PolicyName,
		}).Error("policy_missing")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "policy_missing"})
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	outcome, err := pol.Get(ctx, resolved.Key)
	if err == nil {
		metrics.CacheHits.WithLabelValues(pol.Name()).Inc()
		return h.serveHit(c, resolved, pol, outcome, requestID, started)
	}
	if !errors.Is(err, policy.ErrMiss) {
		// 存储读取错误按 miss 处理（§7），回源后重新写入
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_get",
			"policy": pol.Name(),
			"key":    resolved.Key,
		}).Warn("cache_get_failed")
	}
	metrics.CacheMisses.WithLabelValues(pol.Name()).Inc()

	return h.fetchAndServe(c, ctx, resolved, pol, requestID, started)
}

func (h *Handler) serveHit(
	c fiber.Ctx,
	resolved *router.Resolved,
	pol policy.Policy,
	outcome *policy.Outcome,
	requestID string,
	started time.Time,
) error {
	defer outcome.Body.Close()

	c.Set("Content-Type", effectiveContentType(resolved.Rule, outcome.ContentType))
	if outcome.Size > 0 {
		c.Response().Header.SetContentLength(int(outcome.Size))
	}
	c.Set("X-Mirror-Cache", "hit")
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		h.logResult(resolved, pol, requestID, fiber.StatusOK, true, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), outcome.Body)
	h.logResult(resolved, pol, requestID, fiber.StatusOK, true, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "read cache failed")
	}
	return nil
}

func (h *Handler) fetchAndServe(
	c fiber.Ctx,
	ctx context.Context,
	resolved *router.Resolved,
	pol policy.Policy,
	requestID string,
	started time.Time,
) error {
	result, _, err := h.flights.Fetch(ctx, resolved.Key, h.fetchUpstream(resolved, pol))
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			h.logResult(resolved, pol, requestID, fiber.StatusGatewayTimeout, false, started, err)
			return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "upstream_timeout"})
		case errors.Is(err, context.Canceled):
			// 客户端已断开，仅撤销它自己的等待
			h.logResult(resolved, pol, requestID, 0, false, started, err)
			return nil
		default:
			h.logResult(resolved, pol, requestID, fiber.StatusBadGateway, false, started, err)
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
		}
	}

	if result.RedirectTo != "" {
		c.Set("Location", result.RedirectTo)
		h.logResult(resolved, pol, requestID, fiber.StatusFound, false, started, nil)
		return c.SendStatus(fiber.StatusFound)
	}

	if result.Status != http.StatusOK {
		// 上游错误原样转发（含可透传的响应头），不缓存
		for key, values := range result.Header {
			// Content-Length/Content-Type 由框架与下方覆盖逻辑负责
			if key == "Content-Length" || key == "Content-Type" {
				continue
			}
			for _, value := range values {
				c.Response().Header.Add(key, value)
			}
		}
		if result.ContentType != "" {
			c.Set("Content-Type", result.ContentType)
		}
		h.logResult(resolved, pol, requestID, result.Status, false, started, nil)
		return c.Status(result.Status).Send(result.Body)
	}

	c.Set("Content-Type", effectiveContentType(resolved.Rule, result.ContentType))
	c.Set("X-Mirror-Cache", "miss")
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		c.Response().Header.SetContentLength(len(result.Body))
		h.logResult(resolved, pol, requestID, fiber.StatusOK, false, started, nil)
		return nil
	}

	h.logResult(resolved, pol, requestID, fiber.StatusOK, false, started, nil)
	return c.Send(result.Body)
}

// fetchUpstream 构造单飞回源闭包。闭包运行在与客户端无关的 context 上，
// 超时由协调器统一施加。
func (h *Handler) fetchUpstream(resolved *router.Resolved, pol policy.Policy) flight.FetchFunc {
	return func(ctx context.Context) (*flight.Result, error) {
		started := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved.Upstream, nil)
		if err != nil {
			return nil, err
		}

		resp, err := h.client.Do(req)
		metrics.UpstreamFetchSeconds.WithLabelValues(pol.Name()).Observe(time.Since(started).Seconds())
		if err != nil {
			metrics.OutboundRequests.WithLabelValues(pol.Name(), "failure").Inc()
			return nil, err
		}
		defer resp.Body.Close()

		contentType := resp.Header.Get("Content-Type")

		if resp.StatusCode != http.StatusOK {
			body, readErr := io.ReadAll(resp.Body)
			if readErr != nil {
				metrics.OutboundRequests.WithLabelValues(pol.Name(), "failure").Inc()
				return nil, readErr
			}
			metrics.OutboundRequests.WithLabelValues(pol.Name(), "failure").Inc()
			header := http.Header{}
			server.CopyHeaders(header, resp.Header)
			return &flight.Result{Status: resp.StatusCode, Body: body, ContentType: contentType, Header: header}, nil
		}

		// 正文超过规则 size_limit 时不进缓存，重定向到上游
		if limit := resolved.Rule.SizeLimit; limit > 0 && resp.ContentLength > limit {
			metrics.OutboundRequests.WithLabelValues(pol.Name(), "success").Inc()
			return &flight.Result{Status: http.StatusFound, RedirectTo: resolved.Upstream}, nil
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			metrics.OutboundRequests.WithLabelValues(pol.Name(), "failure").Inc()
			return nil, err
		}
		metrics.OutboundRequests.WithLabelValues(pol.Name(), "success").Inc()

		if resolved.Rule.ShouldRewrite(contentType) {
			body = router.Apply(body, resolved.Rule.Rewrites)
		}

		// 元数据库/存储不可用时降级为直通：不缓存，但正文仍交付等待者
		if err := pol.Put(ctx, resolved.Key, body, contentType); err != nil {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"action": "cache_put",
				"policy": pol.Name(),
				"key":    resolved.Key,
			}).Warn("cache_put_failed_passthrough")
		}

		return &flight.Result{Status: http.StatusOK, Body: body, ContentType: contentType}, nil
	}
}

func (h *Handler) logResult(
	resolved *router.Resolved,
	pol policy.Policy,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(resolved.Rule.Name, pol.Name(), resolved.Key, cacheHit)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["duration_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}

	entry := h.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn("request_failed")
		return
	}
	entry.Info("request_served")
}

func effectiveContentType(rule *router.Rule, stored string) string {
	if rule.ContentType != "" {
		return rule.ContentType
	}
	if stored != "" {
		return stored
	}
	return defaultContentType
}
