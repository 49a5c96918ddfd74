package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_SyncMode(t *testing.T) {
	sink := NewInMemorySink()
	pub := NewPublisher(sink)
	defer pub.Close()

	err := pub.Emit(context.Background(), Event{Kind: KindCircuitOpened, Endpoint: "billing"})
	require.NoError(t, err)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, KindCircuitOpened, events[0].Kind)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].At.IsZero())
}

func TestPublisher_AsyncMode(t *testing.T) {
	sink := NewInMemorySink()
	pub := NewPublisher(sink, WithAsyncBuffer(10))
	defer pub.Close()

	err := pub.Emit(context.Background(), Event{Kind: KindDeadLettered, Endpoint: "billing"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(sink.Events()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	sink := NewInMemorySink()
	pub := NewPublisher(sink, WithAsyncBuffer(100))

	for range 10 {
		err := pub.Emit(context.Background(), Event{Kind: KindWebhookRejected})
		require.NoError(t, err)
	}

	require.NoError(t, pub.Close())
	assert.Len(t, sink.Events(), 10, "all buffered events should be drained on close")
}

func TestPublisher_BufferFullDropsAndCounts(t *testing.T) {
	sink := NewInMemorySink()
	pub := NewPublisher(sink, WithAsyncBuffer(1))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pub.Emit(context.Background(), Event{Kind: KindUsageThreshold})
		}()
	}
	wg.Wait()
	require.NoError(t, pub.Close())

	total := int64(len(sink.Events())) + pub.Dropped()
	assert.Equal(t, int64(50), total, "every emit either lands in the sink or is counted as dropped")
}

func TestPublisher_CloseIsIdempotent(t *testing.T) {
	pub := NewPublisher(NewInMemorySink(), WithAsyncBuffer(4))

	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())
}
