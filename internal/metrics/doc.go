/*
Package metrics exports mogilefs client telemetry to Prometheus.

A Collector implements types.MetricsRecorder, so it can be handed straight to
the client:

	collector, err := metrics.NewCollector(metrics.DefaultConfig(), logger)
	if err != nil {
		return err
	}
	cfg := mogilefs.DefaultConfig()
	cfg.Metrics = collector
	client, err := mogilefs.New("media", trackers, cfg)

Start serves the registry on Config.Addr:

	/metrics            Prometheus exposition
	/health             liveness
	/debug/operations   JSON per operation summary

Exported series, all under the configured namespace:

	operations_total{operation,status}
	operation_duration_seconds{operation}
	retries_total{operation}
	failovers_total{operation}
	bytes_total{direction}
	errors_total{operation,code}
	pool_active_connections
	pool_idle_connections
*/
package metrics
