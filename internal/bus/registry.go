package bus

import (
	"sync"

	"go.uber.org/zap"
)

type topic struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*Subscription]struct{}

	// pubMu serializes remote publishes so sequence order matches wire order.
	pubMu  sync.Mutex
	pubSeq uint64

	// released topics are dropped once their last subscriber leaves.
	released bool
}

// registry tracks local subscribers per topic. Each topic has its own lock so
// fan-out on different topics runs in parallel while one topic stays ordered.
type registry struct {
	mu     sync.RWMutex
	topics map[string]*topic
	buffer int
	log    *zap.Logger

	// onEmpty runs after the last subscriber of a topic unsubscribes.
	onEmpty func(topic string)
}

func newRegistry(buffer int, log *zap.Logger) *registry {
	if buffer <= 0 {
		buffer = 64
	}
	return &registry{
		topics: make(map[string]*topic),
		buffer: buffer,
		log:    log,
	}
}

func (r *registry) topic(name string, create bool) *topic {
	r.mu.RLock()
	t := r.topics[name]
	r.mu.RUnlock()
	if t != nil || !create {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t = r.topics[name]; t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		r.topics[name] = t
	}
	return t
}

// add registers a subscriber and reports whether it is the first on the topic.
func (r *registry) add(name string) (*Subscription, bool) {
	sub := &Subscription{topic: name, ch: make(chan Message, r.buffer)}
	sub.detach = func(s *Subscription) {
		if r.remove(s) && r.onEmpty != nil {
			r.onEmpty(s.topic)
		}
	}

	// Held across the insert so a concurrent drop cannot orphan the topic.
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.topics[name]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		r.topics[name] = t
	}
	t.mu.Lock()
	first := len(t.subs) == 0
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub, first
}

// remove detaches sub and reports whether the topic has no subscribers left.
func (r *registry) remove(sub *Subscription) bool {
	t := r.topic(sub.topic, false)
	if t == nil {
		sub.close(nil)
		return false
	}
	t.mu.Lock()
	if _, ok := t.subs[sub]; !ok {
		t.mu.Unlock()
		sub.close(nil)
		return false
	}
	delete(t.subs, sub)
	sub.close(nil)
	empty, released := len(t.subs) == 0, t.released
	t.mu.Unlock()

	if empty && released {
		r.drop(sub.topic)
	}
	return empty
}

// release forgets name as soon as nobody is subscribed to it.
func (r *registry) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.topics[name]
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		delete(r.topics, name)
		return
	}
	t.released = true
}

func (r *registry) drop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.topics[name]
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		delete(r.topics, name)
	}
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// publish assigns the next sequence number and fans out.
func (r *registry) publish(msg Message) Message {
	t := r.topic(msg.Topic, true)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	msg.Seq = t.seq
	r.fanout(t, msg)
	return msg
}

// sequence runs send with the next outbound sequence number for name. The
// number is only consumed when send succeeds.
func (r *registry) sequence(name string, send func(seq uint64) error) error {
	t := r.topic(name, true)
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	next := t.pubSeq + 1
	if err := send(next); err != nil {
		return err
	}
	t.pubSeq = next
	return nil
}

// deliver fans out a message that already carries its sequence number.
func (r *registry) deliver(msg Message) {
	t := r.topic(msg.Topic, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r.fanout(t, msg)
}

func (r *registry) fanout(t *topic, msg Message) {
	for sub := range t.subs {
		select {
		case sub.ch <- msg:
		default:
			// Dropping one message would break ordering for this subscriber,
			// so drop the subscriber and let it resync.
			r.log.Warn("dropping slow subscriber",
				zap.String("topic", msg.Topic),
				zap.Uint64("seq", msg.Seq),
				zap.Int("buffer", cap(sub.ch)),
			)
			delete(t.subs, sub)
			sub.close(ErrSlowConsumer)
		}
	}
}

func (r *registry) closeAll(err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.topics {
		t.mu.Lock()
		for sub := range t.subs {
			delete(t.subs, sub)
			sub.close(err)
		}
		t.mu.Unlock()
	}
}

func (r *registry) count(name string) int {
	t := r.topic(name, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
