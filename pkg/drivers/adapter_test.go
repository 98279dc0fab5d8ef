package drivers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remscope/pkg/backoff"
	"remscope/pkg/bus"
	"remscope/pkg/config"
	"remscope/pkg/indi"
	"remscope/pkg/registry"
)

func testLogger() log.FieldLogger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func testRegistry(t *testing.T) *registry.Registry {
	reg, err := registry.New(nil, testLogger())
	require.NoError(t, err)
	return reg
}

func fastBackoff() backoff.Config {
	return backoff.Config{
		Initial:    20 * time.Millisecond,
		Max:        50 * time.Millisecond,
		Multiplier: 2,
	}
}

// waitFor drains the subscription until a message satisfies pred.
func waitFor(t *testing.T, sub bus.Subscription, pred func(*indi.Message) bool) *indi.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			if pred(m) {
				return m
			}
		case <-deadline:
			t.Fatal("timed out waiting for bus message")
			return nil
		}
	}
}

func runAdapter(t *testing.T, a *Adapter) (cancel context.CancelFunc, done chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done = make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, a.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("adapter did not stop")
		}
	})
	return cancel, done
}

func TestDriverDefinesReachBus(t *testing.T) {
	b := bus.New()
	sub, err := b.Subscribe("#", 16)
	require.NoError(t, err)
	reg := testRegistry(t)

	script := `printf '<defSwitchVector device="Dome" name="SHUTTER" state="Idle" perm="rw" rule="OneOfMany"><defSwitch name="OPEN">Off</defSwitch><defSwitch name="CLOSE">On</defSwitch></defSwitchVector>'; sleep 30`
	cfgs := []config.DriverConfig{{Name: "dome", Command: "/bin/sh", Args: []string{"-c", script}}}

	a := New(b, reg, cfgs, fastBackoff(), 16, testLogger())
	runAdapter(t, a)

	m := waitFor(t, sub, func(m *indi.Message) bool { return m.Op == indi.OpDefine })
	assert.Equal(t, "Dome", m.Device)
	assert.Equal(t, "SHUTTER", m.Property)
	assert.Equal(t, indi.TypeSwitch, m.Type)
	assert.Equal(t, indi.RuleOneOfMany, m.Rule)

	owner, ok := reg.Owner("Dome")
	assert.True(t, ok)
	assert.Equal(t, "dome", owner)

	dev, ok := reg.Device("Dome")
	require.True(t, ok)
	assert.True(t, dev.Connected)
}

func TestCommandsRoutedToDriverStdin(t *testing.T) {
	b := bus.New()
	sub, err := b.Subscribe("#", 16)
	require.NoError(t, err)
	reg := testRegistry(t)

	sink := filepath.Join(t.TempDir(), "stdin.log")
	script := fmt.Sprintf(`printf '<defNumberVector device="Scope" name="POSITION" state="Idle" perm="rw"><defNumber name="RA" format="%%9.6m" min="0" max="24" step="0">0</defNumber></defNumberVector>'; exec cat > %s`, sink)
	cfgs := []config.DriverConfig{{Name: "scope", Command: "/bin/sh", Args: []string{"-c", script}}}

	a := New(b, reg, cfgs, fastBackoff(), 16, testLogger())
	runAdapter(t, a)

	waitFor(t, sub, func(m *indi.Message) bool { return m.Op == indi.OpDefine })

	// This one has no registered device and must be dropped.
	b.Publish(indi.CommandTopic("Ghost", "POSITION"), &indi.Message{
		Device:   "Ghost",
		Property: "POSITION",
		Op:       indi.OpNew,
		Type:     indi.TypeNumber,
		Elements: []indi.Element{{Name: "RA", Value: "1"}},
	})

	b.Publish(indi.CommandTopic("Scope", "POSITION"), &indi.Message{
		Device:   "Scope",
		Property: "POSITION",
		Op:       indi.OpNew,
		Type:     indi.TypeNumber,
		Elements: []indi.Element{{Name: "RA", Value: "12.5"}},
	})

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(sink)
		return err == nil && strings.Contains(string(data), "<newNumberVector")
	}, 5*time.Second, 20*time.Millisecond)

	data, err := os.ReadFile(sink)
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, `<getProperties version="1.7" />`)
	assert.Contains(t, text, `<enableBLOB device="Scope">Also</enableBLOB>`)
	assert.Contains(t, text, `<newNumberVector device="Scope" name="POSITION"`)
	assert.Contains(t, text, ">12.5</oneNumber>")
	assert.NotContains(t, text, "Ghost")
}

func TestDriverRestartPublishesAlerts(t *testing.T) {
	b := bus.New()
	sub, err := b.Subscribe("#", 64)
	require.NoError(t, err)
	reg := testRegistry(t)

	// Defines one property, then exits immediately.
	script := `printf '<defTextVector device="Cam" name="INFO" state="Ok" perm="ro"><defText name="MODEL">mk1</defText></defTextVector>'`
	cfgs := []config.DriverConfig{{Name: "cam", Command: "/bin/sh", Args: []string{"-c", script}}}

	a := New(b, reg, cfgs, fastBackoff(), 16, testLogger())
	runAdapter(t, a)

	waitFor(t, sub, func(m *indi.Message) bool { return m.Op == indi.OpDefine })

	alert := waitFor(t, sub, func(m *indi.Message) bool {
		return m.Op == indi.OpSet && m.State == indi.StateAlert
	})
	assert.Equal(t, "Cam", alert.Device)
	assert.Equal(t, "INFO", alert.Property)

	waitFor(t, sub, func(m *indi.Message) bool {
		return m.Op == indi.OpMessage && strings.Contains(m.Text, "stopped")
	})

	// The supervisor restarts the driver, which defines the property again.
	waitFor(t, sub, func(m *indi.Message) bool { return m.Op == indi.OpDefine })

	assert.Eventually(t, func() bool {
		st := a.Status()
		return len(st) == 1 && st[0].Restarts >= 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSpawnFailureLeavesDriverDead(t *testing.T) {
	b := bus.New()
	reg := testRegistry(t)
	cfgs := []config.DriverConfig{{Name: "bad", Command: "/nonexistent/driver-binary"}}

	a := New(b, reg, cfgs, fastBackoff(), 16, testLogger())
	runAdapter(t, a)

	assert.Eventually(t, func() bool {
		st := a.Status()
		return len(st) == 1 && st[0].State == "dead"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReloadStartsAndStopsDrivers(t *testing.T) {
	b := bus.New()
	sub, err := b.Subscribe("#", 16)
	require.NoError(t, err)
	reg := testRegistry(t)

	cfgs := []config.DriverConfig{{Name: "a", Command: "/bin/sh", Args: []string{"-c", "sleep 30"}}}
	a := New(b, reg, cfgs, fastBackoff(), 16, testLogger())
	runAdapter(t, a)

	assert.Eventually(t, func() bool {
		st := a.Status()
		return len(st) == 1 && st[0].State == "running"
	}, 5*time.Second, 20*time.Millisecond)

	script := `printf '<defLightVector device="Beta" name="STATE" state="Ok"><defLight name="READY">Ok</defLight></defLightVector>'; sleep 30`
	a.Reload([]config.DriverConfig{
		{Name: "a", Command: "/bin/sh", Args: []string{"-c", "sleep 30"}},
		{Name: "b", Command: "/bin/sh", Args: []string{"-c", script}},
	})

	m := waitFor(t, sub, func(m *indi.Message) bool { return m.Op == indi.OpDefine })
	assert.Equal(t, "Beta", m.Device)

	st := a.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "a", st[0].Label)
	assert.Equal(t, "b", st[1].Label)

	a.Reload([]config.DriverConfig{
		{Name: "b", Command: "/bin/sh", Args: []string{"-c", script}},
	})

	st = a.Status()
	require.Len(t, st, 1)
	assert.Equal(t, "b", st[0].Label)
}

func TestReloadRemovalWithdrawsDevices(t *testing.T) {
	b := bus.New()
	sub, err := b.Subscribe("#", 32)
	require.NoError(t, err)
	reg := testRegistry(t)

	script := `printf '<defSwitchVector device="Dome" name="SHUTTER" state="Idle" perm="rw" rule="OneOfMany"><defSwitch name="OPEN">Off</defSwitch></defSwitchVector>'; sleep 30`
	cfgs := []config.DriverConfig{{Name: "dome", Command: "/bin/sh", Args: []string{"-c", script}}}

	a := New(b, reg, cfgs, fastBackoff(), 16, testLogger())
	runAdapter(t, a)

	waitFor(t, sub, func(m *indi.Message) bool { return m.Op == indi.OpDefine })

	a.Reload(nil)

	del := waitFor(t, sub, func(m *indi.Message) bool { return m.Op == indi.OpDelete })
	assert.Equal(t, "Dome", del.Device)
	assert.Empty(t, del.Property)

	_, ok := reg.Device("Dome")
	assert.False(t, ok, "device should leave the registry")
	assert.Empty(t, a.Status())

	// The bus forgets the device's retained state as well: a late
	// subscriber sees nothing.
	late, err := b.Subscribe("Dome/#", 8)
	require.NoError(t, err)
	select {
	case m := <-late.C():
		t.Fatalf("unexpected retained message for %s/%s", m.Device, m.Property)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReloadRestartWaitsForOldProcess(t *testing.T) {
	b := bus.New()
	reg := testRegistry(t)

	logf := filepath.Join(t.TempDir(), "lifecycle.log")
	oldScript := fmt.Sprintf(
		`echo old-start >> %s; trap 'echo old-stop >> %s; exit 0' TERM; sleep 30 > /dev/null 2>&1 & wait`,
		logf, logf)
	newScript := fmt.Sprintf(`echo new-start >> %s; sleep 30`, logf)

	cfgs := []config.DriverConfig{{Name: "dome", Command: "/bin/sh", Args: []string{"-c", oldScript}}}
	a := New(b, reg, cfgs, fastBackoff(), 16, testLogger())
	runAdapter(t, a)

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(logf)
		return err == nil && strings.Contains(string(data), "old-start")
	}, 5*time.Second, 20*time.Millisecond)

	a.Reload([]config.DriverConfig{{Name: "dome", Command: "/bin/sh", Args: []string{"-c", newScript}}})

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(logf)
		return err == nil && strings.Contains(string(data), "new-start")
	}, 5*time.Second, 20*time.Millisecond)

	// The replacement must not start until the old process is gone.
	data, err := os.ReadFile(logf)
	require.NoError(t, err)
	assert.Equal(t, []string{"old-start", "old-stop", "new-start"}, strings.Fields(string(data)))
}

func TestShutdownStopsDrivers(t *testing.T) {
	b := bus.New()
	reg := testRegistry(t)
	cfgs := []config.DriverConfig{{Name: "sleeper", Command: "/bin/sh", Args: []string{"-c", "sleep 30"}}}

	a := New(b, reg, cfgs, fastBackoff(), 16, testLogger())
	cancel, done := runAdapter(t, a)

	assert.Eventually(t, func() bool {
		st := a.Status()
		return len(st) == 1 && st[0].State == "running"
	}, 5*time.Second, 20*time.Millisecond)

	start := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("adapter did not stop")
	}
	assert.Less(t, time.Since(start), stopGrace+2*time.Second)
}
