package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "topic-a", msgs[0].Topic)
	require.Equal(t, "topic-b", msgs[1].Topic)

	require.Equal(t, id2, msgs[1].ID)

	msgs[0].Topic = "modified"
	require.Equal(t, "topic-a", pub.Messages()[0].Topic)

	onlyB := pub.Topic("topic-b")
	require.Len(t, onlyB, 1)
	require.Equal(t, "payload", onlyB[0].Payload)
	require.Empty(t, pub.Topic("unit-outcomes"))
}

func TestPublisherClosedAndCanceled(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pub.Publish(ctx, "t", "x")
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, pub.Close())
	_, err = pub.Publish(context.Background(), "t", "x")
	require.Error(t, err)
	require.Empty(t, pub.Messages())
}
