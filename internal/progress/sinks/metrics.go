package sinks

import (
	"context"

	"github.com/JakeFAU/music-graph-crawler/internal/metrics"
	"github.com/JakeFAU/music-graph-crawler/internal/progress"
)

// Artist results reported to metrics.
const (
	ResultExplored = "explored"
	ResultFailed   = "failed"
)

// MetricsSink feeds the crawl counters in internal/metrics.
type MetricsSink struct{}

// NewMetricsSink registers the collectors on first use.
func NewMetricsSink() *MetricsSink {
	metrics.Init()
	return &MetricsSink{}
}

// Consume updates counters from the batch.
func (*MetricsSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageArtistDone:
			metrics.ObserveArtist(ResultExplored)
			metrics.AddSongsIngested(evt.Songs)
		case progress.StageArtistError:
			metrics.ObserveArtist(ResultFailed)
			metrics.AddSongsIngested(evt.Songs)
		case progress.StageRunDone:
			metrics.ObserveRun(string(evt.Result.Status))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (*MetricsSink) Close(context.Context) error {
	return nil
}
