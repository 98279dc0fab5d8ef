package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"remscope/pkg/indi"
	"remscope/pkg/relay"
)

// collector gathers BLOB fragments until a transfer is complete, then
// writes the reassembled payload to disk. Fragments share a digest per
// transfer, so the digest is the collection key.
type collector struct {
	dir   string
	parts map[string][]relay.Fragment
}

func newCollector(dir string) *collector {
	return &collector{dir: dir, parts: make(map[string][]relay.Fragment)}
}

func (c *collector) add(f relay.Fragment) {
	frags := append(c.parts[f.Digest], f)
	if len(frags) < f.Total {
		c.parts[f.Digest] = frags
		return
	}
	delete(c.parts, f.Digest)

	sort.Slice(frags, func(i, j int) bool { return frags[i].Index < frags[j].Index })
	data, err := relay.Reassemble(frags)
	if err != nil {
		log.Errorf("failed to reassemble %s/%s: %v", f.Device, f.Property, err)
		return
	}

	ext := f.Format
	if ext == "" {
		ext = ".bin"
	}
	path := filepath.Join(c.dir, fmt.Sprintf("%s-%s-%d%s", f.Device, f.Property, f.Seq, ext))
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Errorf("failed to write %s: %v", path, err)
		return
	}
	log.Infof("Wrote %s (%d bytes)", path, len(data))
}

func dump(prefix string, blobs *collector, msg mqtt.Message) {
	rel := strings.TrimPrefix(msg.Topic(), prefix+"/")

	if strings.HasPrefix(rel, "blob/") {
		var f relay.Fragment
		if err := json.Unmarshal(msg.Payload(), &f); err != nil {
			log.Warnf("Undecodable fragment on %s: %v", msg.Topic(), err)
			return
		}
		fmt.Printf("%-40s fragment %d/%d (%d bytes)\n", rel, f.Index+1, f.Total, len(f.Data))
		blobs.add(f)
		return
	}

	if len(msg.Payload()) == 0 {
		fmt.Printf("%-40s (cleared)\n", rel)
		return
	}

	// The session banner is not an INDI envelope, print it as is.
	if rel == "bridge/status" {
		fmt.Printf("%-40s %s\n", rel, msg.Payload())
		return
	}

	var m indi.Message
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		fmt.Printf("%-40s %s\n", rel, msg.Payload())
		return
	}

	var vals []string
	for _, e := range m.Elements {
		vals = append(vals, fmt.Sprintf("%s=%s", e.Name, e.Value))
	}
	if m.Text != "" {
		vals = append(vals, fmt.Sprintf("%q", m.Text))
	}
	fmt.Printf("%-40s %-10s %-6s %s\n", rel, m.Op, m.State, strings.Join(vals, " "))
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	prefix := strings.TrimSuffix(c.String("prefix"), "/")
	if prefix == "" {
		return fmt.Errorf("prefix is required")
	}

	dir := c.String("dir")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %v", err)
	}
	blobs := newCollector(dir)

	opts := mqtt.NewClientOptions()
	opts.SetClientID(fmt.Sprintf("remscope-spy-%d", os.Getpid()))
	opts.AddBroker(c.String("broker"))
	opts.SetUsername(c.String("username"))
	opts.SetPassword(c.String("password"))
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		topic := prefix + "/#"
		if token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			dump(prefix, blobs, msg)
		}); token.Wait() && token.Error() != nil {
			log.Errorf("Failed to subscribe to %s: %v", topic, token.Error())
			return
		}
		log.Infof("Watching %s", topic)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	defer client.Disconnect(250)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

func main() {
	app := cli.App{
		Name:  "remscope-spy",
		Usage: "Watch the relay traffic on the remote broker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "broker",
				Aliases: []string{"b"},
				Usage:   "MQTT broker URL",
				Value:   "tcp://localhost:1883",
				EnvVars: []string{"REMSCOPE_BROKER"},
			},
			&cli.StringFlag{
				Name:    "prefix",
				Aliases: []string{"p"},
				Usage:   "Topic prefix the relay exports under",
				Value:   "observatory",
				EnvVars: []string{"REMSCOPE_PREFIX"},
			},
			&cli.StringFlag{
				Name:    "username",
				Aliases: []string{"u"},
				Usage:   "MQTT username",
				EnvVars: []string{"REMSCOPE_USERNAME"},
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "MQTT password",
				EnvVars: []string{"REMSCOPE_PASSWORD"},
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Directory for reassembled BLOBs",
				Value: ".",
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
