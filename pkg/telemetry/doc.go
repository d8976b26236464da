// Package telemetry provides observability instrumentation for bus proxies.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - Spans around feature introspection and connection builds
//  3. Metrics Collection - Prometheus counters for readiness, property churn and handoff
//  4. Event Publishing - Ordered event stream consumed by the history recorder
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Component loggers carry the remote object they concern:
//
//	logger := tel.Logger.NewComponentLogger("scheduler").
//	    WithObjectPath("/org/freedesktop/Telepathy/Account/gabble/jabber/alice")
//	logger.WithFeature("core").Debug("Introspection started")
//
// Every engine component accepts nil telemetry pieces. A nil *Metrics, *Tracer
// or *EventPublisher records nothing, and a nil *Logger is replaced by
// NopLogger.
//
// # Events
//
// Events are delivered to subscribers in publish order. In async mode a single
// goroutine drains the buffer so publishers on the proxy event loop never block
// on slow subscribers such as the SQLite recorder.
package telemetry
