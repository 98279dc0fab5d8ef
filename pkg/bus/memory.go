package bus

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"remscope/pkg/indi"
)

// InMemory is the in-process Bus implementation. A single mutex serializes
// publishes, which is what guarantees per-topic FIFO across subscribers.
type InMemory struct {
	mu       sync.Mutex
	root     *trieNode
	retained map[string]*indi.Message
	seq      uint64
	closed   bool
	dropped  atomic.Uint64
}

type trieNode struct {
	children map[string]*trieNode
	subs     map[*subscription]struct{}
}

type subscription struct {
	bus     *InMemory
	pattern []string
	ch      chan *indi.Message
	done    bool
}

// New returns an empty in-memory bus.
func New() *InMemory {
	return &InMemory{
		root:     newTrieNode(),
		retained: make(map[string]*indi.Message),
	}
}

func newTrieNode() *trieNode {
	return &trieNode{
		children: make(map[string]*trieNode),
		subs:     make(map[*subscription]struct{}),
	}
}

// Publish stamps Seq on a copy of m and delivers it to every matching
// subscriber. It never blocks: a full subscriber queue loses its oldest
// entry instead.
func (b *InMemory) Publish(topic string, m *indi.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	msg := *m
	msg.Seq = b.seq

	switch msg.Op {
	case indi.OpDefine, indi.OpSet:
		b.retained[topic] = &msg
	case indi.OpDelete:
		b.clearRetained(&msg)
	}

	var targets []*subscription
	b.root.match(strings.Split(topic, "/"), &targets)
	for _, sub := range targets {
		b.deliver(sub, &msg)
	}
}

// deliver runs under b.mu; publishes are serialized, so after evicting the
// oldest entry the retry cannot find the queue full again.
func (b *InMemory) deliver(sub *subscription, m *indi.Message) {
	select {
	case sub.ch <- m:
		return
	default:
	}
	select {
	case <-sub.ch:
		b.dropped.Add(1)
	default:
	}
	select {
	case sub.ch <- m:
	default:
		b.dropped.Add(1)
	}
}

func (b *InMemory) clearRetained(m *indi.Message) {
	if m.Property != "" {
		delete(b.retained, m.Device+"/"+m.Property)
		return
	}
	prefix := m.Device + "/"
	for topic := range b.retained {
		if strings.HasPrefix(topic, prefix) {
			delete(b.retained, topic)
		}
	}
}

// Subscribe registers a pattern subscription. Retained messages matching the
// pattern are queued immediately, oldest Seq first, so a late-starting
// bridge sees current state before live traffic.
func (b *InMemory) Subscribe(pattern string, queue int) (Subscription, error) {
	levels, err := splitPattern(pattern)
	if err != nil {
		return nil, err
	}
	if queue <= 0 {
		queue = DefaultQueue
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &subscription{
		bus:     b,
		pattern: levels,
		ch:      make(chan *indi.Message, queue),
	}

	node := b.root
	for _, level := range levels {
		child, ok := node.children[level]
		if !ok {
			child = newTrieNode()
			node.children[level] = child
		}
		node = child
	}
	node.subs[sub] = struct{}{}

	for _, topic := range b.retainedMatches(levels) {
		b.deliver(sub, b.retained[topic])
	}

	return sub, nil
}

// retainedMatches returns matching retained topics ordered by publish Seq.
func (b *InMemory) retainedMatches(pattern []string) []string {
	var topics []string
	for topic := range b.retained {
		if patternMatches(pattern, strings.Split(topic, "/")) {
			topics = append(topics, topic)
		}
	}
	sort.Slice(topics, func(i, j int) bool {
		return b.retained[topics[i]].Seq < b.retained[topics[j]].Seq
	})
	return topics
}

// Close shuts the bus down and closes every subscription channel.
func (b *InMemory) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.root.closeAll()
	b.root = newTrieNode()
}

// Dropped reports how many messages were discarded because a subscriber
// fell behind.
func (b *InMemory) Dropped() uint64 {
	return b.dropped.Load()
}

func (n *trieNode) closeAll() {
	for sub := range n.subs {
		if !sub.done {
			sub.done = true
			close(sub.ch)
		}
	}
	for _, child := range n.children {
		child.closeAll()
	}
}

// match collects subscriptions whose pattern covers the topic levels.
func (n *trieNode) match(levels []string, out *[]*subscription) {
	if hash, ok := n.children["#"]; ok {
		for sub := range hash.subs {
			*out = append(*out, sub)
		}
	}
	if len(levels) == 0 {
		for sub := range n.subs {
			*out = append(*out, sub)
		}
		return
	}
	if child, ok := n.children[levels[0]]; ok {
		child.match(levels[1:], out)
	}
	if plus, ok := n.children["+"]; ok {
		plus.match(levels[1:], out)
	}
}

func (s *subscription) C() <-chan *indi.Message {
	return s.ch
}

func (s *subscription) Cancel() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.done {
		return
	}
	s.done = true

	node := b.root
	for _, level := range s.pattern {
		child, ok := node.children[level]
		if !ok {
			node = nil
			break
		}
		node = child
	}
	if node != nil {
		delete(node.subs, s)
	}
	close(s.ch)
}

func splitPattern(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty subscription pattern")
	}
	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		switch {
		case level == "":
			return nil, fmt.Errorf("pattern %q has an empty level", pattern)
		case level == "#" && i != len(levels)-1:
			return nil, fmt.Errorf("pattern %q uses # before the last level", pattern)
		case strings.ContainsAny(level, "+#") && len(level) > 1:
			return nil, fmt.Errorf("pattern %q mixes wildcard and text in one level", pattern)
		}
	}
	return levels, nil
}

// patternMatches mirrors trie matching for a single pattern, used for
// retained replay.
func patternMatches(pattern, levels []string) bool {
	for i, p := range pattern {
		if p == "#" {
			return true
		}
		if i >= len(levels) {
			return false
		}
		if p != "+" && p != levels[i] {
			return false
		}
	}
	return len(pattern) == len(levels)
}
