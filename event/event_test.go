package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTopic(t *testing.T) {
	p := NewPublisher()
	require.NoError(t, p.NewTopic(ProviderOnline, time.Second))
	_, ok := p.topics[ProviderOnline]
	assert.True(t, ok, "topic should be created")
	assert.Error(t, p.NewTopic(ProviderOnline, time.Second), "topic already exists")
}

func TestRegisterSubscriber(t *testing.T) {
	p := NewPublisher()
	_, err := p.RegisterSubscriber("missing", func(any) {})
	assert.Error(t, err)

	require.NoError(t, p.NewTopic(SocketOffline, 0))
	id1, err := p.RegisterSubscriber(SocketOffline, func(any) {})
	require.NoError(t, err)
	id2, err := p.RegisterSubscriber(SocketOffline, func(any) {})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Len(t, p.topics[SocketOffline].subscribers, 2)
}

func TestPublish(t *testing.T) {
	p := NewPublisher()
	assert.Error(t, p.Publish("missing", "x"))
	require.NoError(t, p.NewTopic(ProviderOffline, time.Second))

	var (
		mu       sync.Mutex
		received = map[int]string{}
	)
	for i := 1; i <= 2; i++ {
		_, err := p.RegisterSubscriber(ProviderOffline, func(v any) {
			mu.Lock()
			received[i] = v.(string)
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	require.NoError(t, p.Publish(ProviderOffline, "hello world"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int]string{1: "hello world", 2: "hello world"}, received)
}

func TestUnsubscribe(t *testing.T) {
	p := NewPublisher()
	require.NoError(t, p.NewTopic(ProviderOnline, 0))
	calls := 0
	id, err := p.RegisterSubscriber(ProviderOnline, func(any) { calls++ })
	require.NoError(t, err)

	require.NoError(t, p.Publish(ProviderOnline, nil))
	assert.True(t, p.Unsubscribe(ProviderOnline, id))
	assert.False(t, p.Unsubscribe(ProviderOnline, id))
	assert.False(t, p.Unsubscribe("missing", id))
	require.NoError(t, p.Publish(ProviderOnline, nil))
	assert.Equal(t, 1, calls)
}

func TestPublishTimeout(t *testing.T) {
	p := NewPublisher()
	require.NoError(t, p.NewTopic(ReloadConfig, 10*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	_, err := p.RegisterSubscriber(ReloadConfig, func(any) { <-release })
	require.NoError(t, err)
	assert.ErrorIs(t, p.Publish(ReloadConfig, nil), ErrPublishTimeout)
}

func TestSubscriberMayCallBack(t *testing.T) {
	p := NewPublisher()
	require.NoError(t, p.NewTopic(ProviderOnline, time.Second))
	var id uint64
	id, err := p.RegisterSubscriber(ProviderOnline, func(any) {
		p.Unsubscribe(ProviderOnline, id)
	})
	require.NoError(t, err)
	require.NoError(t, p.Publish(ProviderOnline, nil))
	assert.Empty(t, p.topics[ProviderOnline].subscribers)
}
