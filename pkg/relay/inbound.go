package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"remscope/pkg/indi"
)

type propKey struct {
	device   string
	property string
}

// commandGate enforces one in-flight command per property. Commands that
// arrive while their property is busy wait in a shared bounded FIFO; the
// gate reopens when a state update for the property comes through, or
// after a timeout when the driver never answers.
type commandGate struct {
	limit   int
	timeout time.Duration
	send    func(*indi.Message)
	logger  log.FieldLogger

	mu       sync.Mutex
	inflight map[propKey]*time.Timer
	pending  []*indi.Message
}

func newCommandGate(limit int, timeout time.Duration, send func(*indi.Message), logger log.FieldLogger) *commandGate {
	return &commandGate{
		limit:    limit,
		timeout:  timeout,
		send:     send,
		logger:   logger,
		inflight: make(map[propKey]*time.Timer),
	}
}

// Submit forwards the command at once when its property is idle, queues
// it when busy, and drops it when the queue is full.
func (g *commandGate) Submit(m *indi.Message) {
	g.mu.Lock()
	key := propKey{m.Device, m.Property}
	if _, busy := g.inflight[key]; !busy {
		g.markInflightLocked(key)
		g.mu.Unlock()
		g.send(m)
		return
	}
	if len(g.pending) >= g.limit {
		g.mu.Unlock()
		g.logger.Warnf("Command queue full, dropping command for %s/%s", m.Device, m.Property)
		commandsDropped.Inc()
		return
	}
	g.pending = append(g.pending, m)
	g.mu.Unlock()
}

// Release reopens the gate for one property and dispatches whatever
// queued commands became eligible.
func (g *commandGate) Release(device, property string) {
	g.mu.Lock()
	key := propKey{device, property}
	timer, ok := g.inflight[key]
	if !ok {
		g.mu.Unlock()
		return
	}
	timer.Stop()
	delete(g.inflight, key)
	next := g.dispatchLocked()
	g.mu.Unlock()

	for _, m := range next {
		g.send(m)
	}
}

// Drop discards gate state for a deleted property, or for a whole device
// when property is empty.
func (g *commandGate) Drop(device, property string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for key, timer := range g.inflight {
		if key.device == device && (property == "" || key.property == property) {
			timer.Stop()
			delete(g.inflight, key)
		}
	}
	kept := g.pending[:0]
	for _, m := range g.pending {
		if m.Device == device && (property == "" || m.Property == property) {
			continue
		}
		kept = append(kept, m)
	}
	g.pending = kept
}

func (g *commandGate) expire(key propKey) {
	g.mu.Lock()
	if _, ok := g.inflight[key]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.inflight, key)
	next := g.dispatchLocked()
	g.mu.Unlock()

	g.logger.Warnf("No state update for %s/%s within %s, reopening command gate",
		key.device, key.property, g.timeout)
	commandTimeouts.Inc()

	for _, m := range next {
		g.send(m)
	}
}

// dispatchLocked pops every pending command whose property is idle,
// marking each in flight. Queue order is preserved per property.
func (g *commandGate) dispatchLocked() []*indi.Message {
	var out []*indi.Message
	kept := g.pending[:0]
	for _, m := range g.pending {
		key := propKey{m.Device, m.Property}
		if _, busy := g.inflight[key]; busy {
			kept = append(kept, m)
			continue
		}
		g.markInflightLocked(key)
		out = append(out, m)
	}
	g.pending = kept
	return out
}

func (g *commandGate) markInflightLocked(key propKey) {
	g.inflight[key] = time.AfterFunc(g.timeout, func() {
		g.expire(key)
	})
}

// Pending reports how many commands wait behind busy properties.
func (g *commandGate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// handleInbound is the broker callback for remote command topics.
func (r *Relay) handleInbound(_ mqtt.Client, msg mqtt.Message) {
	device, property, ok := r.splitCommandTopic(msg.Topic())
	if !ok {
		r.logger.Warnf("Ignoring command on unexpected topic %q", msg.Topic())
		return
	}

	var m indi.Message
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		r.logger.Warnf("Rejecting command for %s/%s: %v", device, property, err)
		commandsRejected.Inc()
		return
	}

	// The topic is authoritative for addressing, the registry for typing.
	m.Device = device
	m.Property = property
	m.Op = indi.OpNew

	if err := r.validate(&m); err != nil {
		r.logger.Warnf("Rejecting command for %s/%s: %v", device, property, err)
		commandsRejected.Inc()
		return
	}

	r.gate.Submit(&m)
}

// validate checks an inbound command against the property registry.
func (r *Relay) validate(m *indi.Message) error {
	prop, ok := r.reg.Lookup(m.Device, m.Property)
	if !ok {
		return fmt.Errorf("unknown property")
	}
	if !prop.Perm.Writable() {
		return fmt.Errorf("property is read-only")
	}
	if prop.Type == indi.TypeBLOB {
		return fmt.Errorf("BLOB properties cannot be commanded")
	}
	if len(m.Elements) == 0 {
		return fmt.Errorf("command has no elements")
	}
	m.Type = prop.Type

	known := make(map[string]bool, len(prop.Elements))
	for _, name := range prop.Elements {
		known[name] = true
	}

	on := 0
	for _, el := range m.Elements {
		if !known[el.Name] {
			return fmt.Errorf("unknown element %q", el.Name)
		}
		switch prop.Type {
		case indi.TypeNumber:
			if _, err := strconv.ParseFloat(el.Value, 64); err != nil {
				return fmt.Errorf("element %q is not numeric", el.Name)
			}
		case indi.TypeSwitch:
			switch el.Value {
			case "On":
				on++
			case "Off":
			default:
				return fmt.Errorf("element %q must be On or Off", el.Name)
			}
		}
	}

	if prop.Type == indi.TypeSwitch {
		switch prop.Rule {
		case indi.RuleOneOfMany:
			if on != 1 {
				return fmt.Errorf("rule %s requires exactly one On member", prop.Rule)
			}
		case indi.RuleAtMostOne:
			if on > 1 {
				return fmt.Errorf("rule %s allows at most one On member", prop.Rule)
			}
		}
	}
	return nil
}

// splitCommandTopic extracts device and property from
// <prefix>/<device>/<property>/set.
func (r *Relay) splitCommandTopic(topic string) (device, property string, ok bool) {
	rest, found := strings.CutPrefix(topic, r.prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] != "set" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
