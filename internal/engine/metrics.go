package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pondex_blocks_indexed_total",
		Help: "Total number of blocks indexed",
	})

	eventsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pondex_events_stored_total",
		Help: "Total number of events stored by kind",
	}, []string{"kind"})

	blocksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pondex_blocks_skipped_total",
		Help: "Total number of blocks skipped after exhausting retries",
	})

	rangeSplits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pondex_range_splits_total",
		Help: "Total number of block ranges bisected after provider rejections",
	})

	syncLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pondex_sync_lag_blocks",
		Help: "Blocks between the confirmed head and the checkpoint",
	})

	currentBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pondex_current_block",
		Help: "Last confirmed block",
	})

	batchSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pondex_batch_size",
		Help: "Current adaptive batch size in blocks",
	})
)
