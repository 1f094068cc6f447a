package db

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// metrics bundles the engine's counters. With no meter configured the
// instruments come from the otel no-op provider and cost nothing.
type metrics struct {
	begins       metric.Int64Counter
	commits      metric.Int64Counter
	rollbacks    metric.Int64Counter
	pagesFlushed metric.Int64Counter
	splits       metric.Int64Counter
	merges       metric.Int64Counter
	transfers    metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("sukunadb")
	}
	m := &metrics{}
	var err error
	if m.begins, err = meter.Int64Counter("sukunadb.tx.begins",
		metric.WithDescription("Transactions begun")); err != nil {
		return nil, fmt.Errorf("create begins counter: %w", err)
	}
	if m.commits, err = meter.Int64Counter("sukunadb.tx.commits",
		metric.WithDescription("Write transactions committed")); err != nil {
		return nil, fmt.Errorf("create commits counter: %w", err)
	}
	if m.rollbacks, err = meter.Int64Counter("sukunadb.tx.rollbacks",
		metric.WithDescription("Transactions rolled back")); err != nil {
		return nil, fmt.Errorf("create rollbacks counter: %w", err)
	}
	if m.pagesFlushed, err = meter.Int64Counter("sukunadb.pager.pages_flushed",
		metric.WithDescription("Dirty pages written at commit")); err != nil {
		return nil, fmt.Errorf("create pages_flushed counter: %w", err)
	}
	if m.splits, err = meter.Int64Counter("sukunadb.btree.splits",
		metric.WithDescription("Node splits")); err != nil {
		return nil, fmt.Errorf("create splits counter: %w", err)
	}
	if m.merges, err = meter.Int64Counter("sukunadb.btree.merges",
		metric.WithDescription("Node merges")); err != nil {
		return nil, fmt.Errorf("create merges counter: %w", err)
	}
	if m.transfers, err = meter.Int64Counter("sukunadb.btree.transfers",
		metric.WithDescription("Cell transfers between siblings")); err != nil {
		return nil, fmt.Errorf("create transfers counter: %w", err)
	}
	return m, nil
}

func (m *metrics) add(counter metric.Int64Counter, n int64) {
	counter.Add(context.Background(), n)
}
