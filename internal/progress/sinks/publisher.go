package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
	"github.com/JakeFAU/music-graph-crawler/internal/progress"
)

// PublisherSink forwards explored artists and finished runs to a Publisher.
// Other stages are ignored.
type PublisherSink struct {
	publisher crawler.Publisher
	logger    *zap.Logger
}

// NewPublisherSink wraps publisher.
func NewPublisherSink(publisher crawler.Publisher, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, logger: logger}
}

// Consume publishes every relevant event in order. One failed publish does
// not stop the rest of the batch; the errors are joined.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		var (
			topic   string
			payload any
		)
		switch evt.Stage {
		case progress.StageArtistDone:
			topic, payload = crawler.TopicArtistExplored, evt.ArtistExplored()
		case progress.StageRunDone:
			topic, payload = crawler.TopicCrawlFinished, *evt.Result
		default:
			continue
		}
		msgID, err := s.publisher.Publish(ctx, topic, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for run %s: %w", topic, evt.RunID, err))
			continue
		}
		s.logger.Debug("event published",
			zap.String("topic", topic),
			zap.String("run_id", evt.RunID),
			zap.String("message_id", msgID),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (*PublisherSink) Close(context.Context) error {
	return nil
}
