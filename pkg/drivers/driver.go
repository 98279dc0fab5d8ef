package drivers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"remscope/pkg/backoff"
	"remscope/pkg/bus"
	"remscope/pkg/config"
	"remscope/pkg/indi"
	"remscope/pkg/registry"
)

const (
	// healthyRunTime is how long a driver must stay up before its restart
	// backoff resets.
	healthyRunTime = 60 * time.Second

	// stopGrace is the window between SIGTERM and SIGKILL on shutdown.
	stopGrace = 3 * time.Second
)

// State is the lifecycle state of a supervised driver process.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateRestarting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateDead:
		return "dead"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Driver supervises one driver process: it spawns it, pumps its protocol
// streams to and from the bus, and restarts it with backoff when it dies.
type Driver struct {
	cfg    config.DriverConfig
	bus    bus.Bus
	reg    *registry.Registry
	boff   *backoff.Backoff
	logger log.FieldLogger

	mu       sync.Mutex
	state    State
	stdin    io.WriteCloser
	proc     *os.Process
	restarts int
}

func newDriver(cfg config.DriverConfig, b bus.Bus, reg *registry.Registry, bcfg backoff.Config, logger log.FieldLogger) *Driver {
	return &Driver{
		cfg:    cfg,
		bus:    b,
		reg:    reg,
		boff:   backoff.New(bcfg),
		logger: logger,
	}
}

// Run supervises the process until ctx is canceled. A process that cannot
// be spawned at all leaves the driver dead; one that exits after running is
// restarted with capped exponential backoff.
func (d *Driver) Run(ctx context.Context) {
	for {
		started, ranFor := d.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if !started {
			d.setState(StateDead)
			d.logger.Error("Driver could not be started, giving up")
			return
		}

		d.markDisconnected()

		if ranFor >= healthyRunTime {
			d.boff.Reset()
		}
		delay := d.boff.Next()

		d.mu.Lock()
		d.state = StateRestarting
		d.restarts++
		d.mu.Unlock()
		driverRestarts.WithLabelValues(d.cfg.Label()).Inc()

		d.logger.Warnf("Driver exited after %s, restarting in %s", ranFor.Round(time.Millisecond), delay.Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runOnce runs one process lifetime. started is false only when the spawn
// itself failed.
func (d *Driver) runOnce(ctx context.Context) (started bool, ranFor time.Duration) {
	d.setState(StateStarting)

	cmd := exec.Command(d.cfg.Command, d.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		d.logger.Errorf("failed to open stdin pipe: %v", err)
		return false, 0
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.logger.Errorf("failed to open stdout pipe: %v", err)
		return false, 0
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		d.logger.Errorf("failed to open stderr pipe: %v", err)
		return false, 0
	}

	if err := cmd.Start(); err != nil {
		d.logger.Errorf("failed to start %s: %v", d.cfg.Command, err)
		return false, 0
	}

	d.mu.Lock()
	d.stdin = stdin
	d.proc = cmd.Process
	d.state = StateRunning
	d.mu.Unlock()

	d.logger.Infof("Driver started (pid %d)", cmd.Process.Pid)
	start := time.Now()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		d.pumpOutput(stdout)
	}()
	go func() {
		defer pumps.Done()
		d.pumpStderr(stderr)
	}()

	// Ask for property definitions right away.
	if err := d.write(indi.GetProperties()); err != nil {
		d.logger.Warnf("failed to send getProperties: %v", err)
	}

	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			d.signal(syscall.SIGTERM)
			select {
			case <-waitDone:
			case <-time.After(stopGrace):
				d.signal(syscall.SIGKILL)
			}
		case <-waitDone:
		}
	}()

	err = cmd.Wait()
	close(waitDone)
	pumps.Wait()

	d.mu.Lock()
	d.stdin = nil
	d.proc = nil
	d.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		d.logger.Warnf("Driver exited: %v", err)
	}
	return true, time.Since(start)
}

// pumpOutput turns the driver's stdout into bus messages.
func (d *Driver) pumpOutput(r io.Reader) {
	rd := indi.NewReader(r)
	enabled := make(map[string]bool)

	for {
		elem, err := rd.Next()
		if err == indi.ErrElementTooLarge {
			d.logger.Warn("Dropping oversized element from driver")
			continue
		}
		if err != nil {
			return
		}

		m, err := indi.Parse(elem)
		if err == indi.ErrUnhandled {
			continue
		}
		if err != nil {
			d.logger.Warnf("Bad driver output: %v", err)
			driverParseErrors.WithLabelValues(d.cfg.Label()).Inc()
			continue
		}
		driverMessages.WithLabelValues(d.cfg.Label(), "out").Inc()
		d.handle(m, enabled)
	}
}

func (d *Driver) handle(m *indi.Message, enabled map[string]bool) {
	switch m.Op {
	case indi.OpDefine:
		d.reg.Define(m, d.cfg.Label())
		if !enabled[m.Device] {
			enabled[m.Device] = true
			if err := d.write(indi.EnableBLOB(m.Device)); err != nil {
				d.logger.Debugf("failed to enable BLOBs for %s: %v", m.Device, err)
			}
		}
	case indi.OpSet:
		d.reg.Update(m)
	case indi.OpDelete:
		d.reg.Delete(m.Device, m.Property)
	case indi.OpMessage:
		// forwarded as-is
	default:
		d.logger.Debugf("Ignoring %v element from driver", m.Op)
		return
	}

	d.bus.Publish(m.Topic(), m)
}

// pumpStderr forwards the driver's stderr chatter into the log.
func (d *Driver) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		d.logger.Debugf("stderr: %s", scanner.Text())
	}
}

// Send renders a command and writes it to the driver's stdin.
func (d *Driver) Send(m *indi.Message) error {
	data, err := indi.Render(m)
	if err != nil {
		return fmt.Errorf("failed to render command: %v", err)
	}
	if err := d.write(data); err != nil {
		return err
	}
	driverMessages.WithLabelValues(d.cfg.Label(), "in").Inc()
	return nil
}

func (d *Driver) write(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stdin == nil {
		return fmt.Errorf("driver %s is not running", d.cfg.Label())
	}
	if _, err := d.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to driver %s: %v", d.cfg.Label(), err)
	}
	return nil
}

// markDisconnected publishes alert states for everything the driver owned
// and flags its devices as disconnected.
func (d *Driver) markDisconnected() {
	label := d.cfg.Label()
	now := time.Now().UTC()

	for _, device := range d.reg.DevicesOf(label) {
		d.reg.SetConnected(device, false)

		for _, prop := range d.reg.PropertiesOf(device) {
			m := &indi.Message{
				Device:    device,
				Property:  prop.Name,
				Op:        indi.OpSet,
				Type:      prop.Type,
				State:     indi.StateAlert,
				Timestamp: now,
			}
			d.reg.Update(m)
			d.bus.Publish(m.Topic(), m)
		}

		note := &indi.Message{
			Device:    device,
			Op:        indi.OpMessage,
			Text:      fmt.Sprintf("driver %s stopped", label),
			Timestamp: now,
		}
		d.bus.Publish(note.Topic(), note)
	}
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Driver) signal(sig os.Signal) {
	d.mu.Lock()
	proc := d.proc
	d.mu.Unlock()
	if proc != nil {
		proc.Signal(sig)
	}
}

// Status reports the driver's current lifecycle state.
func (d *Driver) Status() DriverStatus {
	d.mu.Lock()
	state := d.state
	restarts := d.restarts
	d.mu.Unlock()

	return DriverStatus{
		Label:    d.cfg.Label(),
		State:    state.String(),
		Restarts: restarts,
		Devices:  d.reg.DevicesOf(d.cfg.Label()),
	}
}
