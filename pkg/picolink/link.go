package picolink

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"remscope/pkg/backoff"
	"remscope/pkg/bus"
	"remscope/pkg/config"
	"remscope/pkg/indi"
	"remscope/pkg/registry"
)

// Owner is the registry identity for properties served over the serial link.
const Owner = "picolink"

// healthyLinkTime is how long a session must last before the reopen backoff
// resets.
const healthyLinkTime = 60 * time.Second

// mapping is one validated frame-code binding.
type mapping struct {
	code    byte
	name    string
	element string
	typ     indi.PropertyType
	perm    indi.Perm
	label   string
}

type command struct {
	prop  mapping
	data  []byte
	value string
	tries int
	timer *time.Timer
}

// Link bridges bus commands and microcontroller frames over one serial port.
// Only one command is in flight at a time; the rest wait in arrival order.
type Link struct {
	cfg    config.SerialConfig
	bus    bus.Bus
	reg    *registry.Registry
	queue  int
	boff   *backoff.Backoff
	logger log.FieldLogger

	props  []mapping
	byCode map[byte]mapping
	byName map[string]mapping

	// open is swapped out by tests.
	open func() (io.ReadWriteCloser, error)

	// wmu serializes port writes so a retransmit and the next queued
	// command can never interleave on the wire.
	wmu sync.Mutex

	mu       sync.Mutex
	port     io.ReadWriteCloser
	fail     func()
	inflight *command
	pending  []*command
}

// New validates the property table and builds the link. The port itself is
// not touched until Run.
func New(cfg config.SerialConfig, b bus.Bus, reg *registry.Registry, bcfg backoff.Config, queue int, logger log.FieldLogger) (*Link, error) {
	if queue <= 0 {
		queue = bus.DefaultQueue
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 32
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = config.Duration(2 * time.Second)
	}

	l := Link{
		cfg:    cfg,
		bus:    b,
		reg:    reg,
		queue:  queue,
		boff:   backoff.New(bcfg),
		logger: logger,
		byCode: make(map[byte]mapping),
		byName: make(map[string]mapping),
	}
	l.open = func() (io.ReadWriteCloser, error) {
		return serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.Baud})
	}

	for i, p := range cfg.Properties {
		m, err := newMapping(p)
		if err != nil {
			return nil, fmt.Errorf("serial property %d: %v", i, err)
		}
		if _, dup := l.byName[m.name]; dup {
			return nil, fmt.Errorf("serial property %d: duplicate property %s", i, m.name)
		}
		l.props = append(l.props, m)
		l.byCode[m.code] = m
		l.byName[m.name] = m
	}
	return &l, nil
}

func newMapping(p config.SerialProperty) (mapping, error) {
	t, err := indi.ParseType(p.Type)
	if err != nil {
		return mapping{}, err
	}
	if t == indi.TypeBLOB {
		return mapping{}, fmt.Errorf("BLOB properties cannot be framed")
	}
	perm := indi.PermRO
	if p.Perm != "" {
		if perm, err = indi.ParsePerm(p.Perm); err != nil {
			return mapping{}, err
		}
	}
	if t == indi.TypeLight {
		perm = indi.PermRO
	}
	return mapping{
		code:    byte(p.Code),
		name:    p.Property,
		element: p.Element,
		typ:     t,
		perm:    perm,
		label:   p.Label,
	}, nil
}

// Run opens the port and bridges until the context ends. Failure to open at
// startup is fatal for this bridge; anything after that is ridden out with
// backoff.
func (l *Link) Run(ctx context.Context) error {
	sub, err := l.bus.Subscribe(indi.CommandTopic(l.cfg.Device, "+"), l.queue)
	if err != nil {
		return fmt.Errorf("failed to subscribe to command topics: %v", err)
	}
	defer sub.Cancel()

	port, err := l.open()
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %v", l.cfg.Port, err)
	}
	l.logger.Infof("Serial port %s open", l.cfg.Port)

	for {
		started := time.Now()
		l.session(ctx, port, sub)
		if ctx.Err() != nil {
			l.shutdown()
			return nil
		}

		l.markDisconnected()
		if time.Since(started) >= healthyLinkTime {
			l.boff.Reset()
		}

		for {
			delay := l.boff.Next()
			l.logger.Warnf("Serial link down, reopening in %s", delay)
			if !l.sleep(ctx, sub, delay) {
				return nil
			}
			if port, err = l.open(); err == nil {
				break
			}
			l.logger.Warnf("failed to open serial port %s: %v", l.cfg.Port, err)
		}
		l.logger.Infof("Serial port %s reopened", l.cfg.Port)
	}
}

// session serves one open port until the context ends or the port fails.
func (l *Link) session(ctx context.Context, port io.ReadWriteCloser, sub bus.Subscription) {
	failed := make(chan struct{})
	var once sync.Once

	l.mu.Lock()
	l.port = port
	l.fail = func() { once.Do(func() { close(failed) }) }
	l.inflight = nil
	l.pending = nil
	l.mu.Unlock()

	l.announce()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fr := newFrameReader(port)
		for {
			f, err := fr.Next()
			if err != nil {
				l.linkFailed()
				return
			}
			framesTotal.WithLabelValues("in").Inc()
			l.handleFrame(f)
		}
	}()

	for {
		select {
		case <-ctx.Done():
		case <-failed:
		case m, ok := <-sub.C():
			if ok {
				l.submit(m)
				continue
			}
		}
		port.Close()
		<-done
		return
	}
}

func (l *Link) linkFailed() {
	l.mu.Lock()
	fail := l.fail
	l.mu.Unlock()
	if fail != nil {
		fail()
	}
}

// announce defines every mapped property and marks the device present.
func (l *Link) announce() {
	for _, prop := range l.props {
		def := &indi.Message{
			Device:    l.cfg.Device,
			Property:  prop.name,
			Op:        indi.OpDefine,
			Type:      prop.typ,
			State:     indi.StateIdle,
			Perm:      prop.perm,
			Label:     prop.label,
			Timestamp: time.Now().UTC(),
			Elements:  []indi.Element{{Name: prop.element, Label: prop.label, Value: initialValue(prop.typ)}},
		}
		if prop.typ == indi.TypeSwitch {
			def.Rule = indi.RuleAnyOfMany
		}
		l.reg.Define(def, Owner)
		l.bus.Publish(def.Topic(), def)
	}
	l.reg.SetConnected(l.cfg.Device, true)
}

func initialValue(t indi.PropertyType) string {
	switch t {
	case indi.TypeSwitch:
		return "Off"
	case indi.TypeNumber:
		return "0"
	case indi.TypeLight:
		return indi.StateIdle.String()
	}
	return ""
}

// submit validates a bus command and queues it for the wire.
func (l *Link) submit(m *indi.Message) {
	if m.Op != indi.OpNew {
		return
	}
	prop, ok := l.byName[m.Property]
	if !ok {
		l.logger.Warnf("Dropping command for unmapped property %s", m.Property)
		commandsDropped.Inc()
		return
	}
	if !prop.perm.Writable() {
		l.logger.Warnf("Dropping command for read-only property %s", m.Property)
		commandsDropped.Inc()
		return
	}
	el := m.Element(prop.element)
	if el == nil {
		l.logger.Warnf("Dropping %s command without a %s element", m.Property, prop.element)
		commandsDropped.Inc()
		return
	}
	payload, err := encodeValue(prop.typ, el.Value)
	if err != nil {
		l.logger.Warnf("Dropping %s command: %v", m.Property, err)
		commandsDropped.Inc()
		return
	}
	data, err := encodeFrame(frame{Code: prop.code, Payload: payload})
	if err != nil {
		l.logger.Warnf("Dropping %s command: %v", m.Property, err)
		commandsDropped.Inc()
		return
	}
	cmd := &command{prop: prop, data: data, value: el.Value}

	l.mu.Lock()
	if l.inflight != nil {
		if len(l.pending) >= l.cfg.Queue {
			l.mu.Unlock()
			l.logger.Warnf("Command queue full, dropping command for %s", m.Property)
			commandsDropped.Inc()
			return
		}
		l.pending = append(l.pending, cmd)
		l.mu.Unlock()
		return
	}
	l.inflight = cmd
	l.mu.Unlock()

	l.transmit(cmd)
}

// transmit puts one command on the wire and arms its ack timer. The command
// must still be in flight when the wire becomes free: an ack that lands
// while a retransmit waits on wmu completes the command, and writing it
// again would put a stale value after its successor.
func (l *Link) transmit(cmd *command) {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	l.mu.Lock()
	port := l.port
	if port == nil || l.inflight != cmd {
		l.mu.Unlock()
		return
	}
	cmd.tries++
	l.mu.Unlock()

	if _, err := port.Write(cmd.data); err != nil {
		l.logger.Errorf("failed to write to serial port: %v", err)
		l.linkFailed()
		return
	}
	framesTotal.WithLabelValues("out").Inc()

	if cmd.tries == 1 {
		l.publish(cmd.prop, cmd.value, indi.StateBusy, "")
	} else {
		retransmits.Inc()
	}

	l.mu.Lock()
	if l.inflight == cmd {
		cmd.timer = time.AfterFunc(time.Duration(l.cfg.AckTimeout), func() { l.expire(cmd) })
	}
	l.mu.Unlock()
}

// expire retransmits an unanswered command once, then reports it failed.
func (l *Link) expire(cmd *command) {
	l.mu.Lock()
	if l.inflight != cmd {
		l.mu.Unlock()
		return
	}
	if cmd.tries < 2 {
		l.mu.Unlock()
		l.logger.Warnf("No reply for %s within %s, retransmitting", cmd.prop.name, time.Duration(l.cfg.AckTimeout))
		l.transmit(cmd)
		return
	}
	next := l.advanceLocked()
	l.mu.Unlock()

	commandTimeouts.Inc()
	l.logger.Errorf("No reply for %s after retransmit, giving up", cmd.prop.name)
	l.publish(cmd.prop, cmd.value, indi.StateAlert,
		fmt.Sprintf("%s did not acknowledge the %s command", l.cfg.Device, cmd.prop.name))

	if next != nil {
		l.transmit(next)
	}
}

// advanceLocked pops the next queued command into the in-flight slot.
func (l *Link) advanceLocked() *command {
	l.inflight = nil
	if len(l.pending) == 0 {
		return nil
	}
	next := l.pending[0]
	l.pending = l.pending[1:]
	l.inflight = next
	return next
}

// handleFrame publishes a decoded frame and completes any command waiting on
// its code. The microcontroller's reply carries the authoritative value.
func (l *Link) handleFrame(f frame) {
	prop, ok := l.byCode[f.Code]
	if !ok {
		l.logger.Warnf("Ignoring frame with unmapped code %d", f.Code)
		unknownFrames.Inc()
		return
	}
	value, state, err := decodeValue(prop.typ, f.Payload)
	if err != nil {
		l.logger.Warnf("Ignoring %s frame: %v", prop.name, err)
		return
	}

	l.mu.Lock()
	var next *command
	if l.inflight != nil && l.inflight.prop.code == f.Code {
		if l.inflight.timer != nil {
			l.inflight.timer.Stop()
		}
		next = l.advanceLocked()
	}
	l.mu.Unlock()

	l.publish(prop, value, state, "")

	if next != nil {
		l.transmit(next)
	}
}

// publish reflects a property value onto the bus, keeping the registry in
// step.
func (l *Link) publish(prop mapping, value string, state indi.PropertyState, note string) {
	m := &indi.Message{
		Device:    l.cfg.Device,
		Property:  prop.name,
		Op:        indi.OpSet,
		Type:      prop.typ,
		State:     state,
		Text:      note,
		Timestamp: time.Now().UTC(),
		Elements:  []indi.Element{{Name: prop.element, Value: value}},
	}
	l.reg.Update(m)
	l.bus.Publish(m.Topic(), m)
}

// markDisconnected pushes alert state for every mapped property and flushes
// the command queue.
func (l *Link) markDisconnected() {
	l.mu.Lock()
	l.port = nil
	l.fail = nil
	if l.inflight != nil && l.inflight.timer != nil {
		l.inflight.timer.Stop()
	}
	queued := len(l.pending)
	if l.inflight != nil {
		queued++
	}
	l.inflight = nil
	l.pending = nil
	l.mu.Unlock()

	if queued > 0 {
		l.logger.Warnf("Discarding %d queued commands", queued)
	}

	now := time.Now().UTC()
	for _, prop := range l.props {
		m := &indi.Message{
			Device:    l.cfg.Device,
			Property:  prop.name,
			Op:        indi.OpSet,
			Type:      prop.typ,
			State:     indi.StateAlert,
			Timestamp: now,
		}
		l.reg.Update(m)
		l.bus.Publish(m.Topic(), m)
	}
	l.reg.SetConnected(l.cfg.Device, false)

	note := &indi.Message{
		Device:    l.cfg.Device,
		Op:        indi.OpMessage,
		Text:      fmt.Sprintf("Serial link to %s lost", l.cfg.Device),
		Timestamp: now,
	}
	l.bus.Publish(note.Topic(), note)
}

// shutdown releases session state without alerting; the process is leaving.
func (l *Link) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.port = nil
	l.fail = nil
	if l.inflight != nil && l.inflight.timer != nil {
		l.inflight.timer.Stop()
	}
	l.inflight = nil
	l.pending = nil
}

// sleep waits out a reopen delay, discarding commands that arrive while the
// link is down. Returns false when the context ends first.
func (l *Link) sleep(ctx context.Context, sub bus.Subscription, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case m, ok := <-sub.C():
			if !ok {
				return false
			}
			if m.Op == indi.OpNew {
				l.logger.Warnf("Serial link down, dropping command for %s", m.Property)
				commandsDropped.Inc()
			}
		}
	}
}

// Status reports the link state for the status endpoint.
type Status struct {
	Port      string `json:"port"`
	Connected bool   `json:"connected"`
	Pending   int    `json:"pending"`
}

func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{Port: l.cfg.Port, Connected: l.port != nil, Pending: len(l.pending)}
	if l.inflight != nil {
		st.Pending++
	}
	return st
}

func encodeValue(t indi.PropertyType, value string) ([]byte, error) {
	switch t {
	case indi.TypeSwitch:
		switch value {
		case "On":
			return []byte{'1'}, nil
		case "Off":
			return []byte{'0'}, nil
		}
		return nil, fmt.Errorf("invalid switch value %q", value)
	case indi.TypeNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return nil, fmt.Errorf("invalid number %q", value)
		}
		return []byte(value), nil
	case indi.TypeText:
		return []byte(value), nil
	}
	return nil, fmt.Errorf("%v properties cannot be commanded", t)
}

// decodeValue turns a frame payload into an element value and vector state.
// Light payloads name a state and the vector mirrors it.
func decodeValue(t indi.PropertyType, payload []byte) (string, indi.PropertyState, error) {
	s := string(payload)
	switch t {
	case indi.TypeSwitch:
		switch s {
		case "1":
			return "On", indi.StateOk, nil
		case "0":
			return "Off", indi.StateOk, nil
		}
		return "", 0, fmt.Errorf("invalid switch payload %q", s)
	case indi.TypeNumber:
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "", 0, fmt.Errorf("invalid number payload %q", s)
		}
		return s, indi.StateOk, nil
	case indi.TypeLight:
		state, err := indi.ParseState(s)
		if err != nil {
			return "", 0, fmt.Errorf("invalid light payload %q", s)
		}
		return state.String(), state, nil
	}
	return s, indi.StateOk, nil
}
