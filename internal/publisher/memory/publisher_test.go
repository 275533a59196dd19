package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), crawler.TopicArtistExplored, crawler.ArtistExploredEvent{CanonicalID: "mb-x"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), crawler.TopicCrawlFinished, crawler.RunResult{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, crawler.TopicArtistExplored, msgs[0].Topic)
	assert.Len(t, pub.Topic(crawler.TopicCrawlFinished), 1)

	msgs[0].Topic = "modified"
	assert.Equal(t, crawler.TopicArtistExplored, pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("unavailable")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "t", nil)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, pub.Messages())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "t", nil)
	require.NoError(t, err)
}
