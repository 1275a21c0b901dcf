// Package sinks implements concrete pipeline event consumers: Prometheus
// metrics and structured logging, which satisfy progress.Sink and are safe for
// repeated Consume/Close cycles, and the persisted delivery log, which the
// notification router writes to synchronously.
package sinks
