package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"remscope/pkg/indi"
)

// simulator is a protocol driver without hardware behind it: a toggle
// switch, a wandering temperature, a status light and a switch-triggered
// BLOB capture. It speaks the driver protocol on stdin/stdout so the
// daemon can supervise it like any real driver.
//
// All state lives on the event loop goroutine; the stdin reader only
// forwards raw elements.
type simulator struct {
	device string
	out    *bufio.Writer
	rng    *rand.Rand

	ledOn       bool
	temperature float64
	blobEnabled bool
}

func newSimulator(device string) *simulator {
	return &simulator{
		device:      device,
		out:         bufio.NewWriter(os.Stdout),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		temperature: 283.15,
	}
}

func (s *simulator) send(m *indi.Message) {
	data, err := indi.Render(m)
	if err != nil {
		log.Errorf("failed to render %s/%s: %v", m.Device, m.Property, err)
		return
	}
	s.out.Write(data)
	s.out.Flush()
}

func (s *simulator) ledElements() []indi.Element {
	on, off := "Off", "On"
	if s.ledOn {
		on, off = "On", "Off"
	}
	return []indi.Element{
		{Name: "LED_ON", Label: "On", Value: on},
		{Name: "LED_OFF", Label: "Off", Value: off},
	}
}

func (s *simulator) announce() {
	s.send(&indi.Message{
		Device:   s.device,
		Property: "LED",
		Op:       indi.OpDefine,
		Type:     indi.TypeSwitch,
		State:    indi.StateIdle,
		Perm:     indi.PermRW,
		Rule:     indi.RuleOneOfMany,
		Label:    "LED",
		Group:    "Controls",
		Elements: s.ledElements(),
	})
	s.send(&indi.Message{
		Device:   s.device,
		Property: "ATMOSPHERE",
		Op:       indi.OpDefine,
		Type:     indi.TypeNumber,
		State:    indi.StateOk,
		Perm:     indi.PermRO,
		Label:    "Atmosphere",
		Group:    "Sensors",
		Elements: []indi.Element{{
			Name:   "TEMPERATURE",
			Label:  "Temperature (Kelvin)",
			Value:  fmt.Sprintf("%.2f", s.temperature),
			Format: "%.2f",
			Min:    "0",
			Max:    "400",
			Step:   "0.01",
		}},
	})
	s.send(&indi.Message{
		Device:   s.device,
		Property: "STATUS",
		Op:       indi.OpDefine,
		Type:     indi.TypeLight,
		State:    indi.StateOk,
		Label:    "Status",
		Group:    "Sensors",
		Elements: []indi.Element{{Name: "READY", Label: "Ready", Value: "Ok"}},
	})
	s.send(&indi.Message{
		Device:   s.device,
		Property: "CAPTURE",
		Op:       indi.OpDefine,
		Type:     indi.TypeSwitch,
		State:    indi.StateIdle,
		Perm:     indi.PermRW,
		Rule:     indi.RuleAtMostOne,
		Label:    "Capture",
		Group:    "Controls",
		Elements: []indi.Element{{Name: "SNAP", Label: "Snap", Value: "Off"}},
	})
	s.send(&indi.Message{
		Device:   s.device,
		Property: "SNAPSHOT",
		Op:       indi.OpDefine,
		Type:     indi.TypeBLOB,
		State:    indi.StateIdle,
		Perm:     indi.PermRO,
		Label:    "Snapshot",
		Group:    "Controls",
		Elements: []indi.Element{{Name: "FRAME", Label: "Frame"}},
	})
}

// input dispatches one raw element from the supervisor.
func (s *simulator) input(raw []byte) {
	m, err := indi.Parse(raw)
	if err != nil {
		switch {
		case bytes.Contains(raw, []byte("getProperties")):
			log.Info("Announcing properties")
			s.announce()
		case bytes.Contains(raw, []byte("enableBLOB")):
			log.Info("BLOB transfers enabled")
			s.blobEnabled = true
		default:
			log.Warnf("Ignoring input: %v", err)
		}
		return
	}

	if m.Op != indi.OpNew || m.Device != s.device {
		return
	}

	switch m.Property {
	case "LED":
		if e := m.Element("LED_ON"); e != nil {
			s.ledOn = e.Value == "On"
		}
		if e := m.Element("LED_OFF"); e != nil && e.Value == "On" {
			s.ledOn = false
		}
		log.Infof("LED switched %v", s.ledOn)
		s.send(&indi.Message{
			Device:   s.device,
			Property: "LED",
			Op:       indi.OpSet,
			Type:     indi.TypeSwitch,
			State:    indi.StateOk,
			Elements: s.ledElements(),
		})

	case "CAPTURE":
		if e := m.Element("SNAP"); e == nil || e.Value != "On" {
			return
		}
		s.send(&indi.Message{
			Device:   s.device,
			Property: "CAPTURE",
			Op:       indi.OpSet,
			Type:     indi.TypeSwitch,
			State:    indi.StateBusy,
			Elements: []indi.Element{{Name: "SNAP", Value: "On"}},
		})
		s.snap()
		s.send(&indi.Message{
			Device:   s.device,
			Property: "CAPTURE",
			Op:       indi.OpSet,
			Type:     indi.TypeSwitch,
			State:    indi.StateOk,
			Elements: []indi.Element{{Name: "SNAP", Value: "Off"}},
		})

	default:
		log.Warnf("Ignoring command for %s/%s", m.Device, m.Property)
	}
}

// snap emits a fake frame so BLOB handling can be exercised end to end.
func (s *simulator) snap() {
	if !s.blobEnabled {
		log.Warn("Capture requested but BLOBs are not enabled")
		return
	}
	data := make([]byte, 64*1024)
	s.rng.Read(data)
	log.Infof("Captured %d bytes", len(data))
	s.send(&indi.Message{
		Device:   s.device,
		Property: "SNAPSHOT",
		Op:       indi.OpSet,
		Type:     indi.TypeBLOB,
		State:    indi.StateOk,
		Blob:     &indi.Blob{Name: "FRAME", Format: ".bin", Size: len(data), Data: data},
	})
}

func (s *simulator) tick() {
	s.temperature += (s.rng.Float64() - 0.5) * 0.3
	s.send(&indi.Message{
		Device:   s.device,
		Property: "ATMOSPHERE",
		Op:       indi.OpSet,
		Type:     indi.TypeNumber,
		State:    indi.StateOk,
		Elements: []indi.Element{{Name: "TEMPERATURE", Value: fmt.Sprintf("%.2f", s.temperature)}},
	})
	s.send(&indi.Message{
		Device:   s.device,
		Property: "STATUS",
		Op:       indi.OpSet,
		Type:     indi.TypeLight,
		State:    indi.StateOk,
		Elements: []indi.Element{{Name: "READY", Value: "Ok"}},
	})
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	sim := newSimulator(c.String("device"))
	log.Infof("Simulator driver for %s", sim.device)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte, 8)
	go func() {
		defer cancel()
		r := indi.NewReader(os.Stdin)
		for {
			raw, err := r.Next()
			if err != nil {
				if err != io.EOF {
					log.Errorf("stdin failed: %v", err)
				}
				return
			}
			select {
			case lines <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(c.Duration("interval"))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Simulator stopped")
			return nil
		case raw := <-lines:
			sim.input(raw)
		case <-ticker.C:
			sim.tick()
		}
	}
}

func main() {
	app := cli.App{
		Name:  "remscope-simdriver",
		Usage: "Protocol driver simulator for bridge testing",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "device",
				Usage:   "Device name to announce",
				Value:   "Simulator",
				EnvVars: []string{"SIM_DEVICE"},
			},
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "Telemetry update interval",
				Value:   5 * time.Second,
				EnvVars: []string{"SIM_INTERVAL"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
