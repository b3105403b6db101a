// Package event fans runtime events out to the applications subscribed to them.
package event

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linchenxuan/pipc/log"
)

// Subscriber receives the published value.
type Subscriber func(any)

// ErrPublishTimeout is returned when subscribers are still running after the topic's timeout.
var ErrPublishTimeout = errors.New("event: publish timeout")

// Publisher includes multiple topics.
type Publisher struct {
	lock   sync.RWMutex
	topics map[string]*Topic
	nextID uint64
}

// NewPublisher returns a publisher without topics.
func NewPublisher() *Publisher {
	return &Publisher{topics: make(map[string]*Topic)}
}

// NewTopic must create a topic before you can initiate a subscription.
func (p *Publisher) NewTopic(topicName string, timeout time.Duration) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.topics[topicName]; ok {
		return fmt.Errorf("topic %s already create", topicName)
	}
	p.topics[topicName] = &Topic{timeout: timeout}
	return nil
}

// RegisterSubscriber registers a subscriber and returns the id to unsubscribe it with.
func (p *Publisher) RegisterSubscriber(topicName string, fn Subscriber) (uint64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	topic, ok := p.topics[topicName]
	if !ok {
		return 0, fmt.Errorf("topic %s not create", topicName)
	}

	p.nextID++
	topic.subscribers = append(topic.subscribers, subscription{id: p.nextID, fn: fn})
	log.Debug().Str("topic", topicName).Int("num", len(topic.subscribers)).Msg("add subscribers")
	return p.nextID, nil
}

// Unsubscribe removes the subscriber id from topicName. It reports whether it was found.
func (p *Publisher) Unsubscribe(topicName string, id uint64) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	topic, ok := p.topics[topicName]
	if !ok {
		return false
	}
	for i, s := range topic.subscribers {
		if s.id == id {
			// copy so that a concurrent Publish keeps its snapshot
			subs := make([]subscription, 0, len(topic.subscribers)-1)
			subs = append(subs, topic.subscribers[:i]...)
			topic.subscribers = append(subs, topic.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// Publish runs every subscriber of topicName concurrently and waits for them.
// Subscribers may call back into the Publisher.
func (p *Publisher) Publish(topicName string, i any) error {
	p.lock.RLock()
	topic, ok := p.topics[topicName]
	var (
		subs    []subscription
		timeout time.Duration
	)
	if ok {
		subs = topic.subscribers
		timeout = topic.timeout
	}
	p.lock.RUnlock()
	if !ok {
		return fmt.Errorf("topic:%s not create", topicName)
	}

	log.Debug().Str("topic", topicName).Int("subscribers num", len(subs)).Msg("publish event")

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.fn(i)
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
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		log.Warn().Str("topic", topicName).Str("timeout", timeout.String()).Msg("publish timeout")
		return ErrPublishTimeout
	}
}
