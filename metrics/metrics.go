// Package metrics exports the allocation statistics snapshot as
// prometheus gauges.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/keapin/keapin/dhcp"
)

// Snapshot produces the current statistics.
type Snapshot func(ctx context.Context) (dhcp.Stats, error)

// Collector is a prometheus.Collector over a Snapshot. Collection takes
// a fresh snapshot; a failing snapshot emits nothing rather than stale
// values.
type Collector struct {
	snapshot Snapshot
	logger   *zap.Logger

	reservations         *prometheus.Desc
	reservationsCapacity *prometheus.Desc
	leases               *prometheus.Desc
	leasesCapacity       *prometheus.Desc
}

// NewCollector is
func NewCollector(snapshot Snapshot, logger *zap.Logger) *Collector {
	return &Collector{
		snapshot: snapshot,
		logger:   logger,
		reservations: prometheus.NewDesc(
			"keapin_reservations",
			"Number of configured reservations.",
			nil, nil),
		reservationsCapacity: prometheus.NewDesc(
			"keapin_reservations_capacity",
			"Capacity of the reserved range (the boundary).",
			nil, nil),
		leases: prometheus.NewDesc(
			"keapin_leases",
			"Number of active leases without a reservation.",
			nil, nil),
		leasesCapacity: prometheus.NewDesc(
			"keapin_leases_capacity",
			"Capacity of the dynamic pool.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.reservations
	ch <- c.reservationsCapacity
	ch <- c.leases
	ch <- c.leasesCapacity
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.snapshot(context.Background())
	if err != nil {
		c.logger.Warn("failed to collect statistics", zap.Error(err))
		return
	}
	ch <- prometheus.MustNewConstMetric(c.reservations, prometheus.GaugeValue, float64(stats.ReservationsCount))
	ch <- prometheus.MustNewConstMetric(c.reservationsCapacity, prometheus.GaugeValue, float64(stats.ReservationsTotal))
	ch <- prometheus.MustNewConstMetric(c.leases, prometheus.GaugeValue, float64(stats.LeasesCount))
	ch <- prometheus.MustNewConstMetric(c.leasesCapacity, prometheus.GaugeValue, float64(stats.LeasesTotal))
}

// NewRegistry returns a registry with c registered.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return reg
}
