package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"

	"remscope/pkg/bus"
	"remscope/pkg/config"
	"remscope/pkg/drivers"
	"remscope/pkg/monitor"
	"remscope/pkg/picolink"
	"remscope/pkg/registry"
	"remscope/pkg/relay"
	"remscope/pkg/status"
)

func run(c *cli.Context) error {
	cfg := config.Default()
	path := c.String("config")
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.Bool("debug") {
		cfg.LogLevel = "debug"
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %v", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	log.Info("Remscope bridge daemon")

	db, err := bolt.Open(filepath.Join(cfg.DataDir, "remscope.db"), 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	reg, err := registry.New(db, log.WithField("component", "registry"))
	if err != nil {
		return err
	}

	b := bus.New()
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	adapter := drivers.New(b, reg, cfg.Drivers, cfg.DriversBackoff.Build(), cfg.Bus.Queue, log.WithField("component", "drivers"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := adapter.Run(ctx); err != nil {
			log.Fatalf("Driver adapter failed: %v", err)
		}
	}()

	src := status.Sources{Drivers: adapter.Status}

	if cfg.Relay.Enabled {
		rel := relay.New(cfg.Relay, b, reg, log.WithField("component", "relay"))
		src.Relay = func() *relay.Status {
			s := rel.Status()
			return &s
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rel.Run(ctx); err != nil {
				log.Fatalf("Relay failed: %v", err)
			}
		}()
	}

	if cfg.Serial.Enabled {
		link, err := picolink.New(cfg.Serial, b, reg, cfg.Serial.Backoff.Build(), cfg.Bus.Queue, log.WithField("component", "serial"))
		if err != nil {
			return err
		}
		src.Serial = func() *picolink.Status {
			s := link.Status()
			return &s
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A dead serial link should not take the other bridges down.
			if err := link.Run(ctx); err != nil {
				log.Errorf("Serial link failed: %v", err)
			}
		}()
	}

	if cfg.Monitor.HeartbeatEnabled() {
		mon := monitor.New(cfg.Monitor, b, reg, log.WithField("component", "monitor"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mon.Run(ctx); err != nil {
				log.Errorf("Heartbeat failed: %v", err)
			}
		}()
	}

	statusSrv, err := status.New(reg, src, log.WithField("component", "status"))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Status.Listen,
		Handler: statusSrv.Routes(),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("Status endpoint on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", srv.Addr, err)
		}
	}()

	if cfg.Status.Discovery {
		dr := status.NewDiscoveryResponder("0.0.0.0", statusPort(cfg.Status.Listen), log.WithField("component", "discovery"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dr.Run(ctx); err != nil {
				log.Errorf("Discovery responder failed: %v", err)
			}
		}()
	}

	if path != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.Watch(ctx, path, log.WithField("component", "config"), func(next *config.Config) {
				adapter.Reload(next.Drivers)
			})
			if err != nil {
				log.Errorf("Config watcher failed: %v", err)
			}
		}()
	}

	<-ctx.Done()

	log.Info("Shutting down...")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx2); err != nil {
		return fmt.Errorf("server forced to shutdown: %v", err)
	}

	wg.Wait()
	log.Info("Stopped")
	return nil
}

// statusPort extracts the TCP port the discovery responder advertises.
func statusPort(listen string) int {
	_, p, err := net.SplitHostPort(listen)
	if err != nil {
		return 8624
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 8624
	}
	return n
}

func main() {
	app := cli.App{
		Name:  "remscoped",
		Usage: "Observatory driver bridge daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"REMSCOPE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (trace, debug, info, warn, error)",
				EnvVars: []string{"REMSCOPE_LOG_LEVEL"},
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
