package router

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/rapidmidiex/wampx/internal/wamp"
)

// Topic is the subscriber group of one URI inside a realm. Its id doubles as
// the subscription id handed to every subscriber.
type Topic struct {
	uri wamp.URI
	id  wamp.ID

	mu          sync.RWMutex
	subscribers []*Session
}

func newTopic(uri wamp.URI, id wamp.ID) *Topic {
	return &Topic{uri: uri, id: id}
}

func (t *Topic) ID() wamp.ID { return t.id }

func (t *Topic) URI() wamp.URI { return t.uri }

// Subscribers returns a snapshot of the subscribers in the order they joined.
func (t *Topic) Subscribers() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ss := make([]*Session, len(t.subscribers))
	copy(ss, t.subscribers)
	return ss
}

func (t *Topic) Has(s *Session) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.indexOf(s) >= 0
}

func (t *Topic) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

func (t *Topic) add(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.indexOf(s) >= 0 {
		return errors.Wrapf(wamp.ErrTopicAlreadySubscribed, "topic %s", t.uri)
	}
	t.subscribers = append(t.subscribers, s)
	return nil
}

// remove reports whether s was subscribed.
func (t *Topic) remove(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(s)
	if i < 0 {
		return false
	}
	t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
	return true
}

func (t *Topic) indexOf(s *Session) int {
	for i, sub := range t.subscribers {
		if sub == s {
			return i
		}
	}
	return -1
}
