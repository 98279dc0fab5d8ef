// Package monitor publishes the keep-alive heartbeat property. A remote
// client that sees the heartbeat timestamp go stale knows the path to the
// observatory is broken even when its own broker connection looks healthy.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"remscope/pkg/bus"
	"remscope/pkg/config"
	"remscope/pkg/indi"
	"remscope/pkg/registry"
)

// Owner is the registry identity for the heartbeat device.
const Owner = "monitor"

const (
	propertyName = "TenSecondHeartbeat"
	elementName  = "KeepAlive"
)

var heartbeats = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "remscope",
	Subsystem: "monitor",
	Name:      "heartbeats_total",
	Help:      "Keep-alive updates published.",
})

// Monitor owns the heartbeat device.
type Monitor struct {
	cfg    config.MonitorConfig
	bus    bus.Bus
	reg    *registry.Registry
	logger log.FieldLogger
}

func New(cfg config.MonitorConfig, b bus.Bus, reg *registry.Registry, logger log.FieldLogger) *Monitor {
	if cfg.Device == "" {
		cfg.Device = "Network Monitor"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.Duration(10 * time.Second)
	}
	return &Monitor{cfg: cfg, bus: b, reg: reg, logger: logger}
}

// Run announces the property and ticks until the context ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.define()

	t := time.NewTicker(time.Duration(m.cfg.Interval))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.beat()
		}
	}
}

func (m *Monitor) define() {
	now := time.Now().UTC()
	def := &indi.Message{
		Device:    m.cfg.Device,
		Property:  propertyName,
		Op:        indi.OpDefine,
		Type:      indi.TypeText,
		State:     indi.StateOk,
		Perm:      indi.PermRO,
		Label:     "Ten second keep-alive",
		Group:     "Status",
		Timestamp: now,
		Elements:  []indi.Element{{Name: elementName, Label: "Message", Value: beatText(m.cfg.Device, now)}},
	}
	m.reg.Define(def, Owner)
	m.bus.Publish(def.Topic(), def)
	m.reg.SetConnected(m.cfg.Device, true)

	m.logger.Infof("Heartbeat on %s/%s every %s", m.cfg.Device, propertyName, time.Duration(m.cfg.Interval))
}

func (m *Monitor) beat() {
	now := time.Now().UTC()
	set := &indi.Message{
		Device:    m.cfg.Device,
		Property:  propertyName,
		Op:        indi.OpSet,
		Type:      indi.TypeText,
		State:     indi.StateOk,
		Text:      "Sent every 10 seconds, an older timestamp indicates connection failure",
		Timestamp: now,
		Elements:  []indi.Element{{Name: elementName, Value: beatText(m.cfg.Device, now)}},
	}
	m.reg.Update(set)
	m.bus.Publish(set.Topic(), set)
	heartbeats.Inc()
}

func beatText(device string, now time.Time) string {
	return fmt.Sprintf("%s: Keep-alive message from %s", now.Format(indi.TimestampLayout), device)
}
