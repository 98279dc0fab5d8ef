package relay

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remscope/pkg/bus"
	"remscope/pkg/config"
	"remscope/pkg/indi"
	"remscope/pkg/registry"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient is an in-memory stand-in for a paho client.
type fakeClient struct {
	opts        *mqtt.ClientOptions
	failConnect bool

	// subGate, when set, holds Subscribe open until released so a test
	// can interleave traffic with a reconnect in progress. subEntered
	// closes once the hold is reached.
	subGate    chan struct{}
	subEntered chan struct{}
	enterOnce  sync.Once

	mu        sync.Mutex
	connected bool
	pubs      []published
	subs      map[string]mqtt.MessageHandler
	pubCh     chan published
}

func newFakeClient(opts *mqtt.ClientOptions, failConnect bool) *fakeClient {
	return &fakeClient{
		opts:        opts,
		failConnect: failConnect,
		subs:        make(map[string]mqtt.MessageHandler),
		pubCh:       make(chan published, 256),
	}
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.failConnect {
		return &fakeToken{err: errors.New("connection refused")}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return &fakeToken{err: errors.New("not connected")}
	}
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	p := published{topic: topic, qos: qos, retained: retained, payload: data}
	c.pubs = append(c.pubs, p)
	select {
	case c.pubCh <- p:
	default:
	}
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	if c.subEntered != nil {
		c.enterOnce.Do(func() { close(c.subEntered) })
	}
	if c.subGate != nil {
		<-c.subGate
	}
	c.mu.Lock()
	c.subs[topic] = callback
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		c.Subscribe(topic, qos, callback)
	}
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// inject delivers a broker message to matching subscriptions.
func (c *fakeClient) inject(topic string, payload []byte) {
	c.mu.Lock()
	var handlers []mqtt.MessageHandler
	for pattern, cb := range c.subs {
		if mqttTopicMatches(pattern, topic) {
			handlers = append(handlers, cb)
		}
	}
	c.mu.Unlock()
	for _, cb := range handlers {
		cb(c, &fakeMessage{topic: topic, payload: payload})
	}
}

// lose severs the connection the way a dead TCP session would.
func (c *fakeClient) lose(err error) {
	c.mu.Lock()
	c.connected = false
	lost := c.opts.OnConnectionLost
	c.mu.Unlock()
	if lost != nil {
		lost(c, err)
	}
}

func (c *fakeClient) all() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.pubs...)
}

func mqttTopicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tt := strings.Split(topic, "/")
	for i, p := range pp {
		if p == "#" {
			return true
		}
		if i >= len(tt) {
			return false
		}
		if p != "+" && p != tt[i] {
			return false
		}
	}
	return len(pp) == len(tt)
}

type clientFactory struct {
	mu          sync.Mutex
	failConnect bool
	nextEntered chan struct{}
	nextGate    chan struct{}
	clients     []*fakeClient
}

func (f *clientFactory) new(opts *mqtt.ClientOptions) mqtt.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeClient(opts, f.failConnect)
	c.subEntered, c.subGate = f.nextEntered, f.nextGate
	f.nextEntered, f.nextGate = nil, nil
	f.clients = append(f.clients, c)
	return c
}

// gateNextSubscribe arms the next created client to stall in Subscribe
// until release is called; entered closes when the stall is reached.
func (f *clientFactory) gateNextSubscribe() (entered chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEntered = make(chan struct{})
	f.nextGate = make(chan struct{})
	gate := f.nextGate
	var once sync.Once
	return f.nextEntered, func() { once.Do(func() { close(gate) }) }
}

func (f *clientFactory) setFailConnect(fail bool) {
	f.mu.Lock()
	f.failConnect = fail
	f.mu.Unlock()
}

func (f *clientFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *clientFactory) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < len(f.clients) {
		return f.clients[i]
	}
	return nil
}

func startRelay(t *testing.T, cfg config.RelayConfig, b bus.Bus, reg *registry.Registry, factory *clientFactory) *Relay {
	t.Helper()
	r := New(cfg, b, reg, testLogger())
	r.newClient = factory.new

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, r.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("relay did not stop")
		}
	})
	return r
}

func waitConnected(t *testing.T, f *clientFactory) *fakeClient {
	t.Helper()
	var fc *fakeClient
	require.Eventually(t, func() bool {
		for i := 0; i < f.count(); i++ {
			if c := f.client(i); c != nil && c.IsConnected() {
				fc = c
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	return fc
}

func waitPub(t *testing.T, c *fakeClient, pred func(published) bool) published {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-c.pubCh:
			if pred(p) {
				return p
			}
		case <-deadline:
			t.Fatal("timed out waiting for publication")
			return published{}
		}
	}
}

func recvMsg(t *testing.T, sub bus.Subscription) *indi.Message {
	t.Helper()
	select {
	case m := <-sub.C():
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bus message")
		return nil
	}
}

func assertNoMsg(t *testing.T, sub bus.Subscription, d time.Duration) {
	t.Helper()
	select {
	case m := <-sub.C():
		t.Fatalf("unexpected bus message for %s/%s", m.Device, m.Property)
	case <-time.After(d):
	}
}

func TestStateExportedRetained(t *testing.T) {
	b := bus.New()
	factory := &clientFactory{}
	startRelay(t, relayConfig(), b, mustRegistry(t), factory)

	fc := waitConnected(t, factory)

	banner := waitPub(t, fc, func(p published) bool { return p.topic == "obs/bridge/status" })
	assert.True(t, banner.retained)
	var ann announcement
	require.NoError(t, json.Unmarshal(banner.payload, &ann))
	assert.Equal(t, "online", ann.State)
	assert.NotEmpty(t, ann.Session)

	def := &indi.Message{
		Device:   "Dome",
		Property: "SHUTTER",
		Op:       indi.OpDefine,
		Type:     indi.TypeSwitch,
		State:    indi.StateIdle,
		Perm:     indi.PermRW,
		Rule:     indi.RuleOneOfMany,
		Elements: []indi.Element{{Name: "OPEN"}, {Name: "CLOSE"}},
	}
	b.Publish(def.Topic(), def)

	p := waitPub(t, fc, func(p published) bool { return p.topic == "obs/Dome/SHUTTER" })
	assert.True(t, p.retained)
	assert.Equal(t, byte(0), p.qos)

	var m indi.Message
	require.NoError(t, json.Unmarshal(p.payload, &m))
	assert.Equal(t, indi.OpDefine, m.Op)
	assert.Equal(t, indi.TypeSwitch, m.Type)
	assert.Equal(t, "Dome", m.Device)
	require.Len(t, m.Elements, 2)

	note := &indi.Message{Device: "Dome", Op: indi.OpMessage, Text: "all quiet"}
	b.Publish(note.Topic(), note)

	p = waitPub(t, fc, func(p published) bool { return p.topic == "obs/Dome/message" })
	assert.False(t, p.retained)
}

func TestBufferedWhileDisconnected(t *testing.T) {
	b := bus.New()
	factory := &clientFactory{failConnect: true}
	startRelay(t, relayConfig(), b, mustRegistry(t), factory)

	// Give the connect loop a few failures.
	require.Eventually(t, func() bool { return factory.count() >= 2 }, 5*time.Second, 5*time.Millisecond)

	set := func(property, value string) {
		m := &indi.Message{
			Device:   "Scope",
			Property: property,
			Op:       indi.OpSet,
			Type:     indi.TypeNumber,
			State:    indi.StateOk,
			Elements: []indi.Element{{Name: "V", Value: value}},
		}
		b.Publish(m.Topic(), m)
	}
	set("ALPHA", "1")
	set("BETA", "7")
	set("ALPHA", "2")

	factory.setFailConnect(false)
	fc := waitConnected(t, factory)

	waitPub(t, fc, func(p published) bool { return p.topic == "obs/Scope/ALPHA" })
	pubs := fc.all()

	var alphaAt, betaAt, alphaCount int
	for i, p := range pubs {
		switch p.topic {
		case "obs/Scope/ALPHA":
			alphaAt = i
			alphaCount++
			var m indi.Message
			require.NoError(t, json.Unmarshal(p.payload, &m))
			assert.Equal(t, "2", m.Elements[0].Value)
		case "obs/Scope/BETA":
			betaAt = i
		}
	}
	// Last value only, replayed stalest topic first.
	assert.Equal(t, 1, alphaCount)
	assert.Less(t, betaAt, alphaAt)
}

func TestReconnectFlushesBuffer(t *testing.T) {
	b := bus.New()
	factory := &clientFactory{}
	r := startRelay(t, relayConfig(), b, mustRegistry(t), factory)

	fc := waitConnected(t, factory)
	waitPub(t, fc, func(p published) bool { return p.topic == "obs/bridge/status" })

	fc.lose(errors.New("broken pipe"))

	set := &indi.Message{
		Device:   "Scope",
		Property: "POSITION",
		Op:       indi.OpSet,
		Type:     indi.TypeNumber,
		State:    indi.StateOk,
		Elements: []indi.Element{{Name: "RA", Value: "3.5"}},
	}
	b.Publish(set.Topic(), set)

	blob := blobMessage([]byte("frame data while offline"))
	b.Publish(blob.Topic(), blob)

	var next *fakeClient
	require.Eventually(t, func() bool {
		for i := 0; i < factory.count(); i++ {
			if c := factory.client(i); c != fc && c.IsConnected() {
				next = c
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	banner := waitPub(t, next, func(p published) bool { return p.topic == "obs/bridge/status" })
	var ann announcement
	require.NoError(t, json.Unmarshal(banner.payload, &ann))
	assert.Equal(t, r.SessionID(), ann.Session)

	p := waitPub(t, next, func(p published) bool { return p.topic == "obs/Scope/POSITION" })
	var m indi.Message
	require.NoError(t, json.Unmarshal(p.payload, &m))
	assert.Equal(t, "3.5", m.Elements[0].Value)

	// BLOBs are never buffered across an outage.
	for _, p := range next.all() {
		assert.NotContains(t, p.topic, "obs/blob/")
	}
}

func TestLiveUpdatesWaitForReplay(t *testing.T) {
	b := bus.New()
	factory := &clientFactory{}
	r := startRelay(t, relayConfig(), b, mustRegistry(t), factory)

	fc := waitConnected(t, factory)
	waitPub(t, fc, func(p published) bool { return p.topic == "obs/bridge/status" })

	set := func(property, value string) {
		m := &indi.Message{
			Device:   "Scope",
			Property: property,
			Op:       indi.OpSet,
			Type:     indi.TypeNumber,
			State:    indi.StateOk,
			Elements: []indi.Element{{Name: "RA", Value: value}},
		}
		b.Publish(m.Topic(), m)
	}

	// The next session stalls in Subscribe so the test can interleave
	// live updates with the reconnect.
	entered, release := factory.gateNextSubscribe()

	fc.lose(errors.New("broken pipe"))
	set("POSITION", "1.0")

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect never reached subscribe")
	}

	// A newer value for the buffered property and a second topic, both
	// landing while the reconnect is still under way. They must wait
	// behind the replay rather than overtake it.
	set("POSITION", "2.0")
	set("ALTITUDE", "5")
	require.Eventually(t, func() bool { return r.Status().Buffered == 2 }, 5*time.Second, 5*time.Millisecond)

	release()

	var next *fakeClient
	require.Eventually(t, func() bool {
		for i := 0; i < factory.count(); i++ {
			if c := factory.client(i); c != fc && c.IsConnected() {
				next = c
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	p := waitPub(t, next, func(p published) bool { return p.topic == "obs/Scope/POSITION" })
	assert.True(t, p.retained)
	var m indi.Message
	require.NoError(t, json.Unmarshal(p.payload, &m))
	assert.Equal(t, "2.0", m.Elements[0].Value)

	require.Eventually(t, func() bool { return r.Status().State == "connected" }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, r.Status().Buffered)

	// The superseded value never reaches the broker, so the retained
	// state converges to the newest one.
	var positions int
	for _, p := range next.all() {
		if p.topic != "obs/Scope/POSITION" {
			continue
		}
		positions++
		var m indi.Message
		require.NoError(t, json.Unmarshal(p.payload, &m))
		assert.Equal(t, "2.0", m.Elements[0].Value)
	}
	assert.Equal(t, 1, positions)
}

func TestBlobRelayedAsFragments(t *testing.T) {
	b := bus.New()
	factory := &clientFactory{}
	startRelay(t, relayConfig(), b, mustRegistry(t), factory)
	fc := waitConnected(t, factory)

	data := make([]byte, 20)
	rng := rand.New(rand.NewSource(11))
	rng.Read(data)

	blob := blobMessage(data)
	b.Publish(blob.Topic(), blob)

	var frags []Fragment
	for i := 0; i < 3; i++ {
		p := waitPub(t, fc, func(p published) bool {
			return strings.HasPrefix(p.topic, "obs/blob/CCD/CCD1/")
		})
		assert.Equal(t, byte(1), p.qos)
		assert.False(t, p.retained)

		var f Fragment
		require.NoError(t, json.Unmarshal(p.payload, &f))
		frags = append(frags, f)
	}

	require.Equal(t, 3, frags[0].Total)
	out, err := Reassemble(frags)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	// No retained state topic for BLOB payloads.
	for _, p := range fc.all() {
		assert.NotEqual(t, "obs/CCD/CCD1", p.topic)
	}
}

func TestInboundCommandReachesBus(t *testing.T) {
	b := bus.New()
	reg := mustRegistry(t)
	defineProperty(t, reg, "Scope", "POSITION", indi.TypeNumber, indi.PermRW, 0, "RA", "DEC")

	cmdSub, err := b.Subscribe("+/+/set", 8)
	require.NoError(t, err)

	factory := &clientFactory{}
	startRelay(t, relayConfig(), b, reg, factory)
	fc := waitConnected(t, factory)
	waitPub(t, fc, func(p published) bool { return p.topic == "obs/bridge/status" })

	payload, err := json.Marshal(&indi.Message{Elements: []indi.Element{{Name: "RA", Value: "12.5"}}})
	require.NoError(t, err)
	fc.inject("obs/Scope/POSITION/set", payload)

	m := recvMsg(t, cmdSub)
	assert.Equal(t, "Scope", m.Device)
	assert.Equal(t, "POSITION", m.Property)
	assert.Equal(t, indi.OpNew, m.Op)
	assert.Equal(t, indi.TypeNumber, m.Type)
	assert.Equal(t, "12.5", m.Elements[0].Value)

	// A second command for the same property waits behind the gate.
	payload2, err := json.Marshal(&indi.Message{Elements: []indi.Element{{Name: "RA", Value: "13.0"}}})
	require.NoError(t, err)
	fc.inject("obs/Scope/POSITION/set", payload2)
	assertNoMsg(t, cmdSub, 150*time.Millisecond)

	// The driver answering with a state update reopens the gate.
	answer := &indi.Message{
		Device:   "Scope",
		Property: "POSITION",
		Op:       indi.OpSet,
		Type:     indi.TypeNumber,
		State:    indi.StateOk,
		Elements: []indi.Element{{Name: "RA", Value: "12.5"}},
	}
	b.Publish(answer.Topic(), answer)

	m = recvMsg(t, cmdSub)
	assert.Equal(t, "13.0", m.Elements[0].Value)

	// Commands for unknown devices never reach the bus.
	fc.inject("obs/Ghost/POSITION/set", payload)
	assertNoMsg(t, cmdSub, 150*time.Millisecond)
}

func TestDeleteClearsRetainedState(t *testing.T) {
	b := bus.New()
	factory := &clientFactory{}
	startRelay(t, relayConfig(), b, mustRegistry(t), factory)
	fc := waitConnected(t, factory)

	define := func(property string) {
		m := &indi.Message{
			Device:   "Dome",
			Property: property,
			Op:       indi.OpDefine,
			Type:     indi.TypeNumber,
			State:    indi.StateIdle,
			Perm:     indi.PermRO,
			Elements: []indi.Element{{Name: "V"}},
		}
		b.Publish(m.Topic(), m)
		waitPub(t, fc, func(p published) bool { return p.topic == "obs/Dome/"+property })
	}
	define("SHUTTER")
	define("LIGHTS")

	del := &indi.Message{Device: "Dome", Property: "SHUTTER", Op: indi.OpDelete}
	b.Publish(del.Topic(), del)

	// The delete envelope goes out first, then the retained value is wiped.
	p := waitPub(t, fc, func(p published) bool {
		return p.topic == "obs/Dome/SHUTTER" && !p.retained
	})
	var m indi.Message
	require.NoError(t, json.Unmarshal(p.payload, &m))
	assert.Equal(t, indi.OpDelete, m.Op)

	p = waitPub(t, fc, func(p published) bool {
		return p.topic == "obs/Dome/SHUTTER" && p.retained && len(p.payload) == 0
	})
	assert.True(t, p.retained)

	// Whole-device removal clears whatever is still tracked.
	delAll := &indi.Message{Device: "Dome", Op: indi.OpDelete}
	b.Publish(delAll.Topic(), delAll)

	waitPub(t, fc, func(p published) bool { return p.topic == "obs/Dome/message" && !p.retained })
	waitPub(t, fc, func(p published) bool {
		return p.topic == "obs/Dome/LIGHTS" && p.retained && len(p.payload) == 0
	})
}

func TestShutdownAnnouncesOffline(t *testing.T) {
	b := bus.New()
	factory := &clientFactory{}
	r := New(relayConfig(), b, mustRegistry(t), testLogger())
	r.newClient = factory.new

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, r.Run(ctx))
	}()

	fc := waitConnected(t, factory)
	waitPub(t, fc, func(p published) bool { return p.topic == "obs/bridge/status" })

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}

	var offline bool
	for _, p := range fc.all() {
		if p.topic == "obs/bridge/status" && strings.Contains(string(p.payload), "offline") {
			offline = true
			assert.True(t, p.retained)
		}
	}
	assert.True(t, offline, "offline announcement missing")
	assert.False(t, fc.IsConnected())
}
