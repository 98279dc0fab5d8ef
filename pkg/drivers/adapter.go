// Package drivers runs the local side of the bridge: it supervises the
// configured driver processes, publishes their property streams onto the
// bus, and routes command messages from the bus back to the owning
// driver's stdin.
package drivers

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"remscope/pkg/backoff"
	"remscope/pkg/bus"
	"remscope/pkg/config"
	"remscope/pkg/indi"
	"remscope/pkg/registry"
)

// DriverStatus is a point-in-time snapshot of one supervised driver.
type DriverStatus struct {
	Label    string   `json:"label"`
	State    string   `json:"state"`
	Restarts int      `json:"restarts"`
	Devices  []string `json:"devices,omitempty"`
}

type driverHandle struct {
	driver *Driver
	cfg    config.DriverConfig
	cancel context.CancelFunc
	done   chan struct{}
}

// Adapter owns the set of supervised drivers.
type Adapter struct {
	bus     bus.Bus
	reg     *registry.Registry
	boffCfg backoff.Config
	queue   int
	logger  log.FieldLogger

	mu      sync.Mutex
	ctx     context.Context
	initial []config.DriverConfig
	drivers map[string]*driverHandle
	wg      sync.WaitGroup
}

// New builds an adapter for the given driver configurations. Nothing is
// spawned until Run is called.
func New(b bus.Bus, reg *registry.Registry, cfgs []config.DriverConfig, bcfg backoff.Config, queue int, logger log.FieldLogger) *Adapter {
	if queue <= 0 {
		queue = bus.DefaultQueue
	}
	return &Adapter{
		bus:     b,
		reg:     reg,
		boffCfg: bcfg,
		queue:   queue,
		logger:  logger,
		initial: cfgs,
		drivers: make(map[string]*driverHandle),
	}
}

// Run starts every configured driver and routes command messages until ctx
// is canceled. It returns once all driver processes have stopped.
func (a *Adapter) Run(ctx context.Context) error {
	sub, err := a.bus.Subscribe("+/+/set", a.queue)
	if err != nil {
		return fmt.Errorf("failed to subscribe to command topics: %v", err)
	}
	defer sub.Cancel()

	a.mu.Lock()
	a.ctx = ctx
	for _, cfg := range a.initial {
		a.startLocked(cfg)
	}
	a.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			a.wg.Wait()
			return nil
		case m, ok := <-sub.C():
			if !ok {
				a.wg.Wait()
				return nil
			}
			a.route(m)
		}
	}
}

// route hands a command message to the driver owning its device.
func (a *Adapter) route(m *indi.Message) {
	if m.Op != indi.OpNew {
		a.logger.Debugf("Ignoring %v on command topic", m.Op)
		return
	}

	owner, ok := a.reg.Owner(m.Device)
	if !ok {
		a.logger.Warnf("Dropping command for unknown device %q", m.Device)
		commandsDropped.Inc()
		return
	}

	a.mu.Lock()
	h := a.drivers[owner]
	a.mu.Unlock()
	if h == nil {
		// Owned by another bridge, such as the serial link.
		a.logger.Debugf("Leaving command for %s to %s", m.Device, owner)
		return
	}

	if err := h.driver.Send(m); err != nil {
		a.logger.Warnf("Dropping command for %s: %v", m.Device, err)
		commandsDropped.Inc()
	}
}

// startLocked spawns a supervisor goroutine for one driver. Callers hold
// a.mu and must have set a.ctx.
func (a *Adapter) startLocked(cfg config.DriverConfig) {
	dctx, cancel := context.WithCancel(a.ctx)
	drv := newDriver(cfg, a.bus, a.reg, a.boffCfg, a.logger.WithField("driver", cfg.Label()))
	h := &driverHandle{
		driver: drv,
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	a.drivers[cfg.Label()] = h

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(h.done)
		drv.Run(dctx)
	}()
}

// Reload applies a new driver list: new entries are started, removed ones
// are stopped and their devices withdrawn, and entries whose command line
// changed are restarted once the old process has exited.
func (a *Adapter) Reload(cfgs []config.DriverConfig) {
	a.mu.Lock()
	if a.ctx == nil {
		a.initial = cfgs
		a.mu.Unlock()
		return
	}

	want := make(map[string]config.DriverConfig, len(cfgs))
	for _, cfg := range cfgs {
		want[cfg.Label()] = cfg
	}

	var stopped []*driverHandle
	var removed []string
	for label, h := range a.drivers {
		cfg, keep := want[label]
		if keep && cfg.Command == h.cfg.Command && slices.Equal(cfg.Args, h.cfg.Args) {
			delete(want, label)
			continue
		}
		if keep {
			a.logger.Infof("Driver %s changed, restarting", label)
		} else {
			a.logger.Infof("Driver %s removed, stopping", label)
			removed = append(removed, label)
		}
		h.cancel()
		delete(a.drivers, label)
		stopped = append(stopped, h)
	}
	a.mu.Unlock()

	// Let the old processes exit before replacements start or devices are
	// withdrawn. The supervisor escalates to SIGKILL after stopGrace, so
	// the wait is bounded.
	for _, h := range stopped {
		select {
		case <-h.done:
		case <-time.After(stopGrace + 2*time.Second):
			a.logger.Warnf("Driver %s did not exit in time", h.cfg.Label())
		}
	}

	for _, label := range removed {
		a.withdraw(label)
	}

	a.mu.Lock()
	for _, cfg := range want {
		a.logger.Infof("Driver %s added, starting", cfg.Label())
		a.startLocked(cfg)
	}
	a.mu.Unlock()
}

// withdraw deletes every device a removed driver owned and publishes the
// deletes, clearing retained state locally and on the broker. A canceled
// driver skips its disconnect alerts, so this is the only cleanup a
// removed one gets.
func (a *Adapter) withdraw(label string) {
	now := time.Now().UTC()
	for _, device := range a.reg.DevicesOf(label) {
		a.reg.Delete(device, "")
		del := &indi.Message{Device: device, Op: indi.OpDelete, Timestamp: now}
		a.bus.Publish(del.Topic(), del)
		a.logger.Infof("Withdrew device %s", device)
	}
}

// Status reports every supervised driver, sorted by label.
func (a *Adapter) Status() []DriverStatus {
	a.mu.Lock()
	handles := make([]*driverHandle, 0, len(a.drivers))
	for _, h := range a.drivers {
		handles = append(handles, h)
	}
	a.mu.Unlock()

	out := make([]DriverStatus, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.driver.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}
