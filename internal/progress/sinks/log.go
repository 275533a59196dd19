package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/music-graph-crawler/internal/progress"
)

// LogSink writes one structured line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.Duration("dur", evt.Dur),
		}
		if evt.CanonicalID != "" {
			fields = append(fields,
				zap.String("canonical_id", evt.CanonicalID),
				zap.String("name", evt.Name),
				zap.Int("songs", evt.Songs),
				zap.Int("discovered", evt.Discovered),
			)
		}
		if evt.Result != nil {
			fields = append(fields,
				zap.String("status", string(evt.Result.Status)),
				zap.Int("processed", evt.Result.ProcessedCount),
				zap.Int64("size_bytes", evt.Result.FinalStoreSizeBytes),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageArtistError {
			s.logger.Warn("progress event", fields...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
