package status

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DiscoveryPort is the UDP port LAN tools probe to find a controller.
const DiscoveryPort = 8625

// discoveryMagic is the probe payload a responder answers to.
const discoveryMagic = "remscope discovery v1"

// DiscoveryResponder answers LAN probes with the status port, so a headless
// controller can be found without knowing its address.
type DiscoveryResponder struct {
	addr     string
	response string
	logger   log.FieldLogger
}

// NewDiscoveryResponder creates a responder answering with the given status
// port.
func NewDiscoveryResponder(addr string, port int, logger log.FieldLogger) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:     addr,
		response: fmt.Sprintf(`{"RemscopePort": %d}`, port),
		logger:   logger,
	}
}

func (d *DiscoveryResponder) Run(ctx context.Context) error {
	buf := make([]byte, 1024)

	deviceAddress, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, fmt.Sprint(DiscoveryPort)))
	if err != nil {
		return fmt.Errorf("cannot resolve discovery address: %v", err)
	}

	rSock, err := net.ListenUDP("udp", deviceAddress)
	if err != nil {
		return fmt.Errorf("cannot bind receive socket: %v", err)
	}
	defer rSock.Close()

	// Replies go out from an ephemeral port.
	localAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, "0"))
	if err != nil {
		return err
	}

	tSock, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("cannot bind send socket: %v", err)
	}
	defer tSock.Close()

	d.logger.Debugf("Discovery responder started on %s", deviceAddress.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			// A short deadline keeps the loop checking for cancellation.
			rSock.SetReadDeadline(time.Now().Add(1 * time.Second))

			n, addr, err := rSock.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				d.logger.Debugf("Error reading from socket: %v", err)
				continue
			}

			data := string(buf[:n])
			d.logger.Debugf("Received %s from %s", data, addr.String())

			if strings.Contains(data, discoveryMagic) {
				if _, err := tSock.WriteToUDP([]byte(d.response), addr); err != nil {
					d.logger.Errorf("Error writing to socket: %v", err)
				}
			}
		}
	}
}
