// Package event is a small in-process publish/subscribe hub used for
// lifecycle notifications such as sessions opening and closing.
package event

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/log"
)

var (
	ErrTopicExists    = errors.New("event: topic already created")
	ErrTopicNotFound  = errors.New("event: topic not created")
	ErrPublishTimeout = errors.New("event: subscribers timed out")
)

// Publisher includes multiple topics.
type Publisher struct {
	lock   sync.RWMutex
	topics map[string]*Topic
}

// NewPublisher returns a publisher with the built-in topics created.
func NewPublisher() *Publisher {
	p := &Publisher{topics: make(map[string]*Topic)}
	for _, name := range []string{ReloadConfig, SessionOpened, SessionClosed} {
		_ = p.NewTopic(name, DefaultTimeout)
	}
	return p
}

// NewTopic must create a topic before you can initiate a subscription. A
// non-positive timeout makes Publish wait indefinitely.
func (p *Publisher) NewTopic(topicName string, timeout time.Duration) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.topics[topicName]; ok {
		return errors.Wrap(ErrTopicExists, topicName)
	}
	p.topics[topicName] = &Topic{timeout: timeout}
	return nil
}

// RegisterSubscriber registers a subscriber.
func (p *Publisher) RegisterSubscriber(topicName string, fn Subscriber) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	topic, ok := p.topics[topicName]
	if !ok {
		return errors.Wrap(ErrTopicNotFound, topicName)
	}

	topic.subscribers = append(topic.subscribers, fn)
	log.Debug().Str("topic", topicName).Int("num", len(topic.subscribers)).Msg("add subscribers")
	return nil
}

// Publish runs every subscriber of topicName concurrently and waits for them
// up to the topic's timeout. Subscribers still running after the timeout are
// left to finish on their own.
func (p *Publisher) Publish(topicName string, i any) error {
	p.lock.RLock()
	topic, ok := p.topics[topicName]
	var subs []Subscriber
	var timeout time.Duration
	if ok {
		subs = append(subs, topic.subscribers...)
		timeout = topic.timeout
	}
	p.lock.RUnlock()

	if !ok {
		return errors.Wrap(ErrTopicNotFound, topicName)
	}
	if len(subs) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub(i)
		}()
	}

	if timeout <= 0 {
		wg.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		log.Warn().Str("topic", topicName).Dur("timeout", timeout).Msg("publish timed out")
		return errors.Wrap(ErrPublishTimeout, topicName)
	}
}
