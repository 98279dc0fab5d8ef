// Package relay bridges the local message bus to a remote MQTT broker.
// Property state flows out as retained JSON envelopes, BLOBs as ordered
// fragment streams, and remote commands flow back in through a validating
// per-property gate. The broker being away never blocks the local side:
// state updates wait in a last-value buffer and are replayed on reconnect.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"remscope/pkg/backoff"
	"remscope/pkg/bus"
	"remscope/pkg/config"
	"remscope/pkg/indi"
	"remscope/pkg/registry"
)

type connState int

const (
	connStateDisconnected connState = iota
	connStateConnecting
	connStateConnected
)

func (s connState) String() string {
	switch s {
	case connStateDisconnected:
		return "disconnected"
	case connStateConnecting:
		return "connecting"
	case connStateConnected:
		return "connected"
	}
	return fmt.Sprintf("connState(%d)", int(s))
}

const (
	connectTimeout = 10 * time.Second

	// healthyConnTime is how long a connection must hold before the
	// reconnect backoff resets.
	healthyConnTime = 60 * time.Second
)

// announcement is the retained session banner on <prefix>/bridge/status.
// The broker publishes the offline variant as our will when the bridge
// vanishes without saying goodbye.
type announcement struct {
	Session string `json:"session"`
	State   string `json:"state"`
	Time    string `json:"time,omitempty"`
}

// Status is a point-in-time snapshot of the relay for the status surface.
type Status struct {
	State    string `json:"state"`
	Session  string `json:"session"`
	Buffered int    `json:"buffered"`
	Dropped  uint64 `json:"dropped"`
	Pending  int    `json:"pending"`
}

// Relay bridges the bus to the broker.
type Relay struct {
	cfg     config.RelayConfig
	bus     bus.Bus
	reg     *registry.Registry
	prefix  string
	session string
	boff    *backoff.Backoff
	buffer  *outBuffer
	gate    *commandGate
	logger  log.FieldLogger

	// newClient is swapped out by tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu        sync.Mutex
	state     connState
	client    mqtt.Client
	healthy   *time.Timer
	published map[string]map[string]bool
}

// New builds a relay. Nothing connects until Run is called.
func New(cfg config.RelayConfig, b bus.Bus, reg *registry.Registry, logger log.FieldLogger) *Relay {
	r := &Relay{
		cfg:       cfg,
		bus:       b,
		reg:       reg,
		prefix:    cfg.Prefix,
		session:   uuid.NewString(),
		boff:      backoff.New(cfg.Backoff.Build()),
		buffer:    newOutBuffer(cfg.Buffer),
		logger:    logger,
		newClient: mqtt.NewClient,
		published: make(map[string]map[string]bool),
	}
	r.gate = newCommandGate(cfg.Pending, time.Duration(cfg.CommandTimeout), r.forward, logger)
	return r
}

// forward injects a validated remote command into the bus.
func (r *Relay) forward(m *indi.Message) {
	messagesRelayed.WithLabelValues("in").Inc()
	r.bus.Publish(indi.CommandTopic(m.Device, m.Property), m)
}

// Run exports bus traffic to the broker until ctx is canceled. Broker
// connectivity is managed here; the returned error only ever reports a
// bus subscription problem.
func (r *Relay) Run(ctx context.Context) error {
	merged := make(chan *indi.Message, r.cfg.Buffer)

	var subs []bus.Subscription
	for _, pattern := range r.cfg.Export {
		sub, err := r.bus.Subscribe(pattern, r.cfg.Buffer)
		if err != nil {
			for _, s := range subs {
				s.Cancel()
			}
			return fmt.Errorf("failed to subscribe to %q: %v", pattern, err)
		}
		subs = append(subs, sub)

		go func(s bus.Subscription) {
			for m := range s.C() {
				select {
				case merged <- m:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}
	defer func() {
		for _, s := range subs {
			s.Cancel()
		}
	}()

	var loop sync.WaitGroup
	loop.Add(1)
	go func() {
		defer loop.Done()
		r.connectLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			loop.Wait()
			r.shutdown()
			return nil
		case m := <-merged:
			r.outbound(m)
		}
	}
}

// connectLoop dials the broker, re-dialing with capped backoff whenever
// the connection fails or drops.
func (r *Relay) connectLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		r.setState(connStateConnecting)
		r.logger.Infof("Connecting to MQTT broker %s", r.cfg.Broker)
		connectAttempts.Inc()

		lost := make(chan error, 1)
		client := r.newClient(r.options(lost))

		token := client.Connect()
		if !token.WaitTimeout(connectTimeout+time.Second) || token.Error() != nil {
			err := token.Error()
			if err == nil {
				err = fmt.Errorf("connect timed out after %s", connectTimeout)
			}
			client.Disconnect(0)
			r.setState(connStateDisconnected)

			delay := r.boff.Next()
			r.logger.Warnf("failed to connect to MQTT broker: %v, retrying in %s", err, delay.Round(time.Millisecond))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		r.onConnected(client)

		select {
		case <-ctx.Done():
			return
		case err := <-lost:
			r.onLost(err)
			delay := r.boff.Next()
			r.logger.Warnf("Connection lost: %v, reconnecting in %s", err, delay.Round(time.Millisecond))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func (r *Relay) options(lost chan error) *mqtt.ClientOptions {
	will, _ := json.Marshal(announcement{Session: r.session, State: "offline"})

	opts := mqtt.NewClientOptions()
	opts.AddBroker(r.cfg.Broker)
	opts.SetClientID("remscope-" + r.session[:8])
	opts.SetUsername(r.cfg.Username)
	opts.SetPassword(r.cfg.Password)
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetBinaryWill(r.statusTopic(), will, 1, true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})
	return opts
}

func (r *Relay) onConnected(client mqtt.Client) {
	r.mu.Lock()
	r.client = client
	if r.healthy != nil {
		r.healthy.Stop()
	}
	r.healthy = time.AfterFunc(healthyConnTime, r.boff.Reset)
	r.mu.Unlock()

	relayConnected.Set(1)
	r.logger.Info("Connected to MQTT broker")

	topic := r.prefix + "/+/+/set"
	if token := client.Subscribe(topic, 1, r.handleInbound); token.Wait() && token.Error() != nil {
		r.logger.Errorf("Failed to subscribe to command topic: %v", token.Error())
	}

	r.announce("online")

	// Replay what accumulated while we were away, stalest topic first.
	// The connected flag stays down until the backlog clears, so a live
	// update keeps parking behind the buffered value it supersedes
	// instead of overtaking it on the broker.
	for {
		batch := r.buffer.Drain()
		if len(batch) == 0 {
			r.mu.Lock()
			if r.buffer.Len() == 0 {
				r.state = connStateConnected
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			continue
		}
		for i, q := range batch {
			if r.publish(q) {
				continue
			}
			// The connection is already going down; keep the rest
			// for the next session.
			for _, rest := range batch[i:] {
				r.buffer.Put(rest)
			}
			return
		}
	}
}

func (r *Relay) onLost(err error) {
	r.mu.Lock()
	r.client = nil
	r.state = connStateDisconnected
	if r.healthy != nil {
		r.healthy.Stop()
		r.healthy = nil
	}
	r.mu.Unlock()

	relayConnected.Set(0)
}

// outbound exports one bus message to the broker, or parks it in the
// last-value buffer while the broker is away.
func (r *Relay) outbound(m *indi.Message) {
	// Broad export patterns also match the command topics this relay
	// itself publishes to; never send those upstream.
	if m.Op == indi.OpNew {
		return
	}

	switch m.Op {
	case indi.OpSet:
		r.gate.Release(m.Device, m.Property)
	case indi.OpDelete:
		r.gate.Drop(m.Device, m.Property)
	}

	if m.Op == indi.OpSet && m.Type == indi.TypeBLOB && m.Blob != nil {
		r.relayBlob(m)
		return
	}
	if m.Op == indi.OpDelete {
		r.relayDelete(m)
		return
	}

	payload, err := json.Marshal(m)
	if err != nil {
		r.logger.Errorf("failed to marshal message for %s: %v", m.Topic(), err)
		return
	}

	topic := r.prefix + "/" + m.Topic()
	retained := m.Op == indi.OpDefine || m.Op == indi.OpSet
	if retained {
		r.trackPublished(m.Device, topic)
	}
	q := queued{topic: topic, payload: payload, qos: 0, retained: retained}

	if m.Op == indi.OpMessage {
		// Chatty and transient, not worth buffering.
		if r.connected() && r.publish(q) {
			messagesRelayed.WithLabelValues("out").Inc()
		}
		return
	}
	if r.park(q) {
		return
	}
	if !r.publish(q) {
		r.buffer.Put(q)
		return
	}
	messagesRelayed.WithLabelValues("out").Inc()
}

// park holds q in the last-value buffer while the broker is away. The
// state check and the insert share the relay mutex with the reconnect
// flip, so nothing can slip into the buffer after the replay has declared
// it empty.
func (r *Relay) park(q queued) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == connStateConnected {
		return false
	}
	r.buffer.Put(q)
	return true
}

// relayBlob ships a BLOB as an ordered fragment stream. BLOBs are never
// buffered: a frame that cannot be delivered now is stale by the time the
// broker returns.
func (r *Relay) relayBlob(m *indi.Message) {
	if !r.connected() {
		r.logger.Warnf("Dropping BLOB %s/%s: broker unreachable", m.Device, m.Property)
		blobsDropped.Inc()
		return
	}

	frags, err := fragmentBlob(m, r.session, r.cfg.Blob.FragmentBytes, r.cfg.Blob.CompressEnabled())
	if err != nil {
		r.logger.Errorf("failed to fragment BLOB %s/%s: %v", m.Device, m.Property, err)
		return
	}

	for _, f := range frags {
		payload, err := json.Marshal(f)
		if err != nil {
			r.logger.Errorf("failed to marshal BLOB fragment: %v", err)
			return
		}
		topic := fmt.Sprintf("%s/blob/%s/%s/%d", r.prefix, f.Device, f.Property, f.Index)
		if !r.publish(queued{topic: topic, payload: payload, qos: 1}) {
			r.logger.Warnf("Dropping BLOB %s/%s at fragment %d of %d", m.Device, m.Property, f.Index+1, f.Total)
			blobsDropped.Inc()
			return
		}
		blobFragments.Inc()
	}
	messagesRelayed.WithLabelValues("out").Inc()
}

// relayDelete forwards a delProperty and clears the retained state the
// deleted properties left on the broker.
func (r *Relay) relayDelete(m *indi.Message) {
	payload, err := json.Marshal(m)
	if err != nil {
		r.logger.Errorf("failed to marshal delete for %s: %v", m.Topic(), err)
		return
	}

	queue := []queued{{topic: r.prefix + "/" + m.Topic(), payload: payload, qos: 0}}
	for _, topic := range r.clearPublished(m.Device, m.Property) {
		queue = append(queue, queued{topic: topic, qos: 0, retained: true})
	}

	for _, q := range queue {
		if r.park(q) {
			continue
		}
		if !r.publish(q) {
			r.buffer.Put(q)
		}
	}
}

func (r *Relay) trackPublished(device, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := r.published[device]
	if topics == nil {
		topics = make(map[string]bool)
		r.published[device] = topics
	}
	topics[topic] = true
}

// clearPublished returns the retained topics to wipe for a property
// delete, or for every property of the device when property is empty.
func (r *Relay) clearPublished(device, property string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := r.published[device]
	if topics == nil {
		return nil
	}

	if property == "" {
		out := make([]string, 0, len(topics))
		for t := range topics {
			out = append(out, t)
		}
		sort.Strings(out)
		delete(r.published, device)
		return out
	}

	t := r.prefix + "/" + device + "/" + property
	if !topics[t] {
		return nil
	}
	delete(topics, t)
	return []string{t}
}

// announce publishes the retained session banner.
func (r *Relay) announce(state string) {
	payload, err := json.Marshal(announcement{
		Session: r.session,
		State:   state,
		Time:    indi.FormatTimestamp(time.Now().UTC()),
	})
	if err != nil {
		return
	}
	r.publish(queued{topic: r.statusTopic(), payload: payload, qos: 1, retained: true})
}

func (r *Relay) statusTopic() string {
	return r.prefix + "/bridge/status"
}

func (r *Relay) publish(q queued) bool {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()

	if client == nil {
		return false
	}
	if token := client.Publish(q.topic, q.qos, q.retained, q.payload); token.Wait() && token.Error() != nil {
		r.logger.Warnf("failed to publish to %s: %v", q.topic, token.Error())
		return false
	}
	return true
}

func (r *Relay) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == connStateConnected && r.client != nil
}

func (r *Relay) setState(s connState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// shutdown says a clean retained goodbye so remote clients do not have to
// wait for the broker to fire the will.
func (r *Relay) shutdown() {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.state = connStateDisconnected
	if r.healthy != nil {
		r.healthy.Stop()
	}
	r.mu.Unlock()

	if client == nil {
		return
	}

	payload, err := json.Marshal(announcement{
		Session: r.session,
		State:   "offline",
		Time:    indi.FormatTimestamp(time.Now().UTC()),
	})
	if err == nil {
		if token := client.Publish(r.statusTopic(), 1, true, payload); !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			r.logger.Warn("Could not publish the offline announcement")
		}
	}

	client.Disconnect(250)
	relayConnected.Set(0)
	r.logger.Info("Disconnected from MQTT broker")
}

// SessionID identifies this bridge run in announcements and fragments.
func (r *Relay) SessionID() string {
	return r.session
}

// Status reports the relay state for the status surface.
func (r *Relay) Status() Status {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	return Status{
		State:    state.String(),
		Session:  r.session,
		Buffered: r.buffer.Len(),
		Dropped:  r.buffer.Dropped(),
		Pending:  r.gate.Pending(),
	}
}
