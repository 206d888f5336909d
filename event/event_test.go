package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTopic(t *testing.T) {
	p := NewPublisher()

	assert.NoError(t, p.NewTopic("custom", time.Second))
	assert.ErrorIs(t, p.NewTopic("custom", time.Second), ErrTopicExists)
	assert.ErrorIs(t, p.NewTopic(SessionOpened, time.Second), ErrTopicExists)
}

func TestRegisterSubscriber(t *testing.T) {
	p := NewPublisher()

	assert.ErrorIs(t, p.RegisterSubscriber("missing", func(any) {}), ErrTopicNotFound)
	assert.NoError(t, p.RegisterSubscriber(SessionClosed, func(any) {}))
	assert.Len(t, p.topics[SessionClosed].subscribers, 1)
}

func TestPublish(t *testing.T) {
	p := NewPublisher()
	assert.ErrorIs(t, p.Publish("missing", nil), ErrTopicNotFound)
	assert.NoError(t, p.Publish(SessionOpened, "nobody listening"))

	var (
		mu       sync.Mutex
		received []string
	)
	for i := 0; i < 2; i++ {
		_ = p.RegisterSubscriber(SessionOpened, func(param any) {
			mu.Lock()
			received = append(received, param.(string))
			mu.Unlock()
		})
	}

	assert.NoError(t, p.Publish(SessionOpened, "conn-1"))
	mu.Lock()
	assert.Equal(t, []string{"conn-1", "conn-1"}, received)
	mu.Unlock()
}

func TestPublishTimeout(t *testing.T) {
	p := NewPublisher()
	_ = p.NewTopic("slow", 20*time.Millisecond)

	release := make(chan struct{})
	defer close(release)
	_ = p.RegisterSubscriber("slow", func(any) { <-release })

	assert.ErrorIs(t, p.Publish("slow", nil), ErrPublishTimeout)
}
