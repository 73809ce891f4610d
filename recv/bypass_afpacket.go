//go:build linux

package recv

import (
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	"github.com/sakthipriyas/spead2/errors"
)

func init() {
	RegisterBypassTechnology("afpacket", newAFPacketDriver)
}

// afpacketDriver delivers raw frames from an AF_PACKET socket bound to
// one interface. AF_PACKET taps frames as copies, so frames the service
// does not consume still reach the host stack without any re-insertion.
type afpacketDriver struct {
	fd   int
	svc  *BypassService
	quit chan struct{}
	done chan struct{}

	logger *slog.Logger
}

func newAFPacketDriver(iface string, svc *BypassService) (BypassDriver, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, errors.WrapInvalid(err, "afpacket", "New", "interface lookup")
	}

	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("AF_PACKET socket: %w", err), "afpacket", "New", "socket creation")
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, errors.WrapTransient(
			fmt.Errorf("AF_PACKET bind to %s: %w", iface, err), "afpacket", "New", "socket binding")
	}

	d := &afpacketDriver{
		fd:     fd,
		svc:    svc,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "afpacket", "interface", iface),
	}
	go d.loop()
	return d, nil
}

// loop reads frames and posts them to the service strand, preserving
// the serialization invariant for Dispatch
func (d *afpacketDriver) loop() {
	defer close(d.done)

	buf := make([]byte, 65536)
	for {
		n, _, err := unix.Recvfrom(d.fd, buf, 0)
		if err != nil {
			select {
			case <-d.quit:
				return
			default:
			}
			if err == unix.EINTR {
				continue
			}
			d.logger.Warn("frame receive failed", "error", err)
			return
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		if err := d.svc.Strand().Post(func() { d.svc.Dispatch(frame) }); err != nil {
			return
		}
	}
}

// Close stops frame delivery and joins the receive loop
func (d *afpacketDriver) Close() error {
	close(d.quit)
	err := unix.Close(d.fd)
	<-d.done
	return err
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }
