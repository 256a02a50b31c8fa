// Package prometheus provides the typed collectors used by the
// daemons. Constructors return nil while metrics are disabled and
// every method tolerates a nil receiver, so call sites never branch.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/blockcdp/pkg/metrics"
)

// TransferMetrics counts bulk data movement per volume and protocol.
type TransferMetrics struct {
	bytesSent     *prometheus.CounterVec
	bytesReceived *prometheus.CounterVec
	transfers     *prometheus.CounterVec
	failures      *prometheus.CounterVec
}

// NewTransferMetrics registers the transfer collectors. Returns nil
// while metrics are disabled.
func NewTransferMetrics() *TransferMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()
	return &TransferMetrics{
		bytesSent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockcdp_transfer_sent_bytes_total",
				Help: "Bytes shipped to a peer by protocol",
			},
			[]string{"protocol", "vol"},
		),
		bytesReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockcdp_transfer_received_bytes_total",
				Help: "Bytes received from a peer by protocol",
			},
			[]string{"protocol", "vol"},
		),
		transfers: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockcdp_transfer_completed_total",
				Help: "Completed transfers by protocol",
			},
			[]string{"protocol", "vol"},
		),
		failures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockcdp_transfer_failed_total",
				Help: "Failed transfers by protocol",
			},
			[]string{"protocol", "vol"},
		),
	}
}

// AddSent counts outbound payload bytes.
func (m *TransferMetrics) AddSent(protocol, vol string, n int) {
	if m == nil {
		return
	}
	m.bytesSent.WithLabelValues(protocol, vol).Add(float64(n))
}

// AddReceived counts inbound payload bytes.
func (m *TransferMetrics) AddReceived(protocol, vol string, n int) {
	if m == nil {
		return
	}
	m.bytesReceived.WithLabelValues(protocol, vol).Add(float64(n))
}

// RecordCompleted counts one finished transfer.
func (m *TransferMetrics) RecordCompleted(protocol, vol string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(protocol, vol).Inc()
}

// RecordFailed counts one failed transfer.
func (m *TransferMetrics) RecordFailed(protocol, vol string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(protocol, vol).Inc()
}

// VolumeMetrics tracks per-volume diff bookkeeping.
type VolumeMetrics struct {
	diffCount    *prometheus.GaugeVec
	diffBytes    *prometheus.GaugeVec
	applied      *prometheus.CounterVec
	merged       *prometheus.CounterVec
	restoreCount *prometheus.CounterVec
}

// NewVolumeMetrics registers the volume collectors. Returns nil while
// metrics are disabled.
func NewVolumeMetrics() *VolumeMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()
	return &VolumeMetrics{
		diffCount: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "blockcdp_volume_wdiff_files",
				Help: "Registered wdiff files per volume",
			},
			[]string{"vol"},
		),
		diffBytes: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "blockcdp_volume_wdiff_bytes",
				Help: "Summed wdiff file size per volume",
			},
			[]string{"vol"},
		),
		applied: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockcdp_volume_apply_total",
				Help: "Completed apply operations per volume",
			},
			[]string{"vol"},
		),
		merged: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockcdp_volume_merge_total",
				Help: "Completed merge operations per volume",
			},
			[]string{"vol"},
		),
		restoreCount: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockcdp_volume_restore_total",
				Help: "Completed restore operations per volume",
			},
			[]string{"vol"},
		),
	}
}

// SetDiffStats updates the wdiff gauges after a manager change.
func (m *VolumeMetrics) SetDiffStats(vol string, count int, bytes uint64) {
	if m == nil {
		return
	}
	m.diffCount.WithLabelValues(vol).Set(float64(count))
	m.diffBytes.WithLabelValues(vol).Set(float64(bytes))
}

// RecordApply counts one completed apply.
func (m *VolumeMetrics) RecordApply(vol string) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(vol).Inc()
}

// RecordMerge counts one completed merge.
func (m *VolumeMetrics) RecordMerge(vol string) {
	if m == nil {
		return
	}
	m.merged.WithLabelValues(vol).Inc()
}

// RecordRestore counts one completed restore.
func (m *VolumeMetrics) RecordRestore(vol string) {
	if m == nil {
		return
	}
	m.restoreCount.WithLabelValues(vol).Inc()
}
