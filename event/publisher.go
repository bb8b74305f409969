// Package event is a small topic-based publisher used to announce agent lifecycle changes.
package event

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/linchenxuan/vigil/log"
)

var (
	// ErrTopicExists is returned by NewTopic for a topic that was already created.
	ErrTopicExists = errors.New("topic already created")
	// ErrTopicNotFound is returned when subscribing or publishing to an unknown topic.
	ErrTopicNotFound = errors.New("topic not created")
	// ErrPublishTimeout is returned when subscribers outlive the topic timeout.
	ErrPublishTimeout = errors.New("publish timed out")
)

// Publisher includes multiple topics.
type Publisher struct {
	lock   sync.RWMutex
	topics map[string]*Topic
}

// NewPublisher returns a publisher with the given topics created.
func NewPublisher(timeout time.Duration, topics ...string) *Publisher {
	p := &Publisher{topics: make(map[string]*Topic, len(topics))}
	for _, name := range topics {
		_ = p.NewTopic(name, timeout)
	}
	return p
}

// NewTopic must create a topic before you can initiate a subscription.
func (p *Publisher) NewTopic(topicName string, timeout time.Duration) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.topics == nil {
		p.topics = make(map[string]*Topic)
	}
	if _, ok := p.topics[topicName]; ok {
		return fmt.Errorf("%w: %s", ErrTopicExists, topicName)
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
		return fmt.Errorf("%w: %s", ErrTopicNotFound, topicName)
	}
	topic.subscribers = append(topic.subscribers, fn)
	log.Debug().Str("topic", topicName).Int("num", len(topic.subscribers)).Msg("add subscribers")
	return nil
}

// Publish runs every subscriber of topicName on its own goroutine with i and waits for them,
// up to the topic timeout. A zero timeout waits indefinitely. Subscribers registered while a
// publish is running are not called by it.
func (p *Publisher) Publish(topicName string, i any) error {
	p.lock.RLock()
	topic, ok := p.topics[topicName]
	var subs []Subscriber
	if ok {
		subs = slices.Clone(topic.subscribers)
	}
	p.lock.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, topicName)
	}
	if len(subs) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub(i)
		}()
	}
	if waitTimeout(&wg, topic.timeout) {
		return nil
	}
	log.Warn().Str("topic", topicName).Dur("timeout", topic.timeout).Msg("publish timed out waiting for subscribers")
	return fmt.Errorf("%w: topic %s after %s", ErrPublishTimeout, topicName, topic.timeout)
}

// waitTimeout reports whether wg finished within d. A non-positive d waits without limit.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	if d <= 0 {
		wg.Wait()
		return true
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
