package cmd

import (
	"sync"

	"go.uber.org/zap"

	"github.com/TFMV/peerbeam/engine"
	"github.com/TFMV/peerbeam/metrics"
	"github.com/TFMV/peerbeam/server"
)

var registerMetricsOnce sync.Once

// startAPI registers the Prometheus collectors and starts the monitoring API
// in the background.
func startAPI(logger *zap.Logger, e *engine.Engine) {
	registerMetricsOnce.Do(metrics.Register)
	go server.StartAPIServer(logger, e)
}
