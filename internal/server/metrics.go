package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// StartMetrics 在独立端口上暴露 Prometheus 指标。返回的 Server
// 由调用方在关停时 Shutdown。
func StartMetrics(port int, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"action": "metrics_listen",
			"port":   port,
		}).Info("指标服务启动")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).WithFields(logrus.Fields{
				"action": "metrics_listen",
				"port":   port,
			}).Error("指标服务退出")
		}
	}()

	return srv
}
