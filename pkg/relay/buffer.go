package relay

import (
	"container/list"
	"sync"
)

// queued is one broker publication held back while the connection is down.
type queued struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outBuffer keeps the most recent payload per topic while the broker is
// unreachable. Updating a topic moves it to the back, so a flush replays
// the least recently updated topic first and the freshest state last.
type outBuffer struct {
	mu      sync.Mutex
	limit   int
	order   *list.List
	byTopic map[string]*list.Element
	dropped uint64
}

func newOutBuffer(limit int) *outBuffer {
	return &outBuffer{
		limit:   limit,
		order:   list.New(),
		byTopic: make(map[string]*list.Element),
	}
}

// Put records the latest payload for a topic. When the buffer is full the
// least recently updated topic is evicted.
func (b *outBuffer) Put(q queued) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if el, ok := b.byTopic[q.topic]; ok {
		el.Value = q
		b.order.MoveToBack(el)
		return
	}

	if b.order.Len() >= b.limit {
		oldest := b.order.Front()
		if oldest != nil {
			b.order.Remove(oldest)
			delete(b.byTopic, oldest.Value.(queued).topic)
			b.dropped++
			bufferDropped.Inc()
		}
	}
	b.byTopic[q.topic] = b.order.PushBack(q)
}

// Drain empties the buffer and returns its contents in flush order.
func (b *outBuffer) Drain() []queued {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]queued, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(queued))
	}
	b.order.Init()
	b.byTopic = make(map[string]*list.Element)
	return out
}

func (b *outBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

func (b *outBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
