package recv

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/sakthipriyas/spead2/errors"
)

// UDP reader defaults
const (
	// DefaultMaxSize is the maximum accepted datagram length
	DefaultMaxSize = 9200
	// DefaultBufferSize is the requested socket receive buffer
	DefaultBufferSize = 8 * 1024 * 1024
	// DefaultMmsgCount is the number of datagrams per batched receive
	DefaultMmsgCount = 64
)

// UDPReaderConfig configures a UDP reader
type UDPReaderConfig struct {
	// Endpoint is the host:port to listen on
	Endpoint string

	// MaxSize is the maximum accepted datagram length (default 9200);
	// longer datagrams are logged and dropped
	MaxSize int

	// BufferSize is the requested socket receive buffer (default
	// 8 MiB). The operating system may grant less; that is logged, not
	// fatal.
	BufferSize int

	// MmsgCount is the number of datagrams requested per batched
	// receive (default 64)
	MmsgCount int

	// InterfaceAddress selects the interface for an IPv4 multicast
	// subscription, by its address
	InterfaceAddress string

	// InterfaceIndex selects the interface for an IPv6 multicast
	// subscription, by index
	InterfaceIndex int

	Logger *slog.Logger
}

// UDPReader receives packets over a UDP socket. With an IPv4 socket it
// uses batched receives (recvmmsg) of up to MmsgCount datagrams per
// wakeup.
type UDPReader struct {
	owner *Stream

	conn *net.UDPConn
	// pc is non-nil when batched receive is in use
	pc      *ipv4.PacketConn
	maxSize int
	msgs    []ipv4.Message
	single  []byte

	// backlog holds packets stashed while the stream was paused;
	// guarded by the stream mutex
	backlog [][]byte
	// state is guarded by the stream mutex
	state readerState

	wake      chan struct{}
	stoppedCh chan struct{}

	logger *slog.Logger
}

// AddUDPReader attaches a UDP reader to the stream
func (s *Stream) AddUDPReader(cfg UDPReaderConfig) error {
	return s.AddReader(func(owner *Stream) (Reader, error) {
		return newUDPReader(owner, cfg)
	})
}

func newUDPReader(owner *Stream, cfg UDPReaderConfig) (*UDPReader, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.MmsgCount <= 0 {
		cfg.MmsgCount = DefaultMmsgCount
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "udp-reader", "endpoint", cfg.Endpoint)
	}

	conn, err := listenUDP(cfg)
	if err != nil {
		return nil, err
	}

	if err := conn.SetReadBuffer(cfg.BufferSize); err != nil {
		logger.Warn("request for socket buffer size failed: refer to documentation on increasing buffer limits",
			"buffer_size", cfg.BufferSize,
			"error", err)
	}

	u := &UDPReader{
		owner:     owner,
		conn:      conn,
		maxSize:   cfg.MaxSize,
		wake:      make(chan struct{}, 1),
		stoppedCh: make(chan struct{}),
		logger:    logger,
	}

	if laddr, ok := conn.LocalAddr().(*net.UDPAddr); ok && laddr.IP.To4() != nil {
		u.pc = ipv4.NewPacketConn(conn)
		u.msgs = make([]ipv4.Message, cfg.MmsgCount)
		for i := range u.msgs {
			// One extra byte so that overflow can be detected
			u.msgs[i].Buffers = [][]byte{make([]byte, cfg.MaxSize+1)}
		}
	} else {
		u.single = make([]byte, cfg.MaxSize+1)
	}

	return u, nil
}

// listenUDP opens the socket, joining a multicast group when the
// endpoint address is multicast. Multicast sockets get address reuse so
// several processes can share the group.
func listenUDP(cfg UDPReaderConfig) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Endpoint)
	if err != nil {
		return nil, errors.WrapInvalid(err, "udp-reader", "listen", "endpoint resolution")
	}

	if !addr.IP.IsMulticast() {
		if cfg.InterfaceAddress != "" || cfg.InterfaceIndex != 0 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("interface given for non-multicast endpoint %s", cfg.Endpoint),
				"udp-reader", "listen", "multicast validation")
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return nil, errors.WrapTransient(err, "udp-reader", "listen", "socket binding")
		}
		return conn, nil
	}

	var iface *net.Interface
	switch {
	case cfg.InterfaceAddress != "":
		if addr.IP.To4() == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("interface address given for non-IPv4 endpoint %s", cfg.Endpoint),
				"udp-reader", "listen", "multicast validation")
		}
		ifaceAddr := net.ParseIP(cfg.InterfaceAddress)
		if ifaceAddr == nil || ifaceAddr.To4() == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("interface address %q is not an IPv4 address", cfg.InterfaceAddress),
				"udp-reader", "listen", "interface validation")
		}
		iface, err = interfaceByAddress(ifaceAddr)
		if err != nil {
			return nil, errors.WrapInvalid(err, "udp-reader", "listen", "interface lookup")
		}
	case cfg.InterfaceIndex != 0:
		if addr.IP.To4() != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("interface index given for non-IPv6 endpoint %s", cfg.Endpoint),
				"udp-reader", "listen", "multicast validation")
		}
		iface, err = net.InterfaceByIndex(cfg.InterfaceIndex)
		if err != nil {
			return nil, errors.WrapInvalid(err, "udp-reader", "listen", "interface lookup")
		}
	}

	network := "udp6"
	if addr.IP.To4() != nil {
		network = "udp4"
	}
	// ListenMulticastUDP sets SO_REUSEADDR and joins the group
	conn, err := net.ListenMulticastUDP(network, iface, addr)
	if err != nil {
		return nil, errors.WrapTransient(err, "udp-reader", "listen", "multicast join")
	}
	return conn, nil
}

func interfaceByAddress(ip net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface has address %s", ip)
}

// Start launches the receive loop
func (u *UDPReader) Start() <-chan error {
	go u.run()
	return nil
}

func (u *UDPReader) run() {
	defer close(u.stoppedCh)

	for {
		pkts, ok := u.receive()
		if !ok {
			u.owner.mu.Lock()
			u.state = readerStopped
			u.owner.mu.Unlock()
			return
		}
		if len(pkts) == 0 {
			continue
		}

		u.owner.mu.Lock()
		st := u.processPackets(pkts, false)
		u.owner.mu.Unlock()

		switch st {
		case readerStopped:
			return
		case readerPaused:
			if !u.awaitResume() {
				return
			}
		}
	}
}

// receive blocks for the next batch of datagrams. ok is false once the
// socket has been closed.
func (u *UDPReader) receive() (pkts [][]byte, ok bool) {
	if u.pc != nil {
		n, err := u.pc.ReadBatch(u.msgs, 0)
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return nil, false
			}
			u.logger.Warn("batched receive failed", "error", err)
			return nil, true
		}
		pkts = make([][]byte, 0, n)
		for i := 0; i < n; i++ {
			pkts = append(pkts, u.msgs[i].Buffers[0][:u.msgs[i].N])
		}
		return pkts, true
	}

	n, _, err := u.conn.ReadFromUDP(u.single)
	if err != nil {
		if stderrors.Is(err, net.ErrClosed) {
			return nil, false
		}
		u.logger.Warn("receive failed", "error", err)
		return nil, true
	}
	return [][]byte{u.single[:n]}, true
}

// processPackets handles a batch in order, with the stream mutex held.
// It stops early when the stream stops or pauses; on pause the
// remaining packets are stashed in the backlog.
func (u *UDPReader) processPackets(pkts [][]byte, fromBacklog bool) readerState {
	for i, data := range pkts {
		if u.owner.isStopped() {
			u.logger.Info("discarding packet received after stream stopped")
			u.state = readerStopped
			return readerStopped
		}
		if u.owner.isPaused() {
			rest := pkts[i:]
			if !fromBacklog {
				// The live receive buffers are about to be reused
				copied := make([][]byte, len(rest))
				for k, d := range rest {
					c := make([]byte, len(d))
					copy(c, d)
					copied[k] = c
				}
				rest = copied
			}
			u.backlog = append(u.backlog, rest...)
			u.state = readerPaused
			return readerPaused
		}
		u.processOne(data)
	}
	if u.owner.isStopped() {
		// A stop arrived in this batch: do not re-arm the receive
		u.state = readerStopped
		return readerStopped
	}
	u.state = readerRunning
	return readerRunning
}

// processOne decodes and feeds a single datagram, with the stream mutex
// held. The stream is neither stopped nor paused on entry.
func (u *UDPReader) processOne(data []byte) {
	length := len(data)
	if length == 0 {
		return
	}
	if length > u.maxSize {
		// The receive buffer holds one byte more than maxSize, so the
		// datagram might have been truncated
		u.logger.Info("dropped packet due to truncation", "max_size", u.maxSize)
		return
	}
	p, size, err := DecodePacket(data, u.owner.bugCompat)
	if err != nil {
		u.logger.Info("discarding undecodable packet", "error", err)
		return
	}
	if size != length {
		u.logger.Info("discarding packet due to size mismatch",
			"decoded", size, "received", length)
		return
	}
	u.owner.addPacket(p)
	if u.owner.isStopped() {
		u.logger.Debug("end of stream detected")
	}
}

// awaitResume parks until StateChange signals, then drains the backlog.
// Returns false when the reader should stop.
func (u *UDPReader) awaitResume() bool {
	for {
		<-u.wake

		u.owner.mu.Lock()
		if u.owner.isStopped() {
			u.state = readerStopped
			u.owner.mu.Unlock()
			return false
		}
		if u.owner.isPaused() {
			u.owner.mu.Unlock()
			continue
		}
		backlog := u.backlog
		u.backlog = nil
		st := u.processPackets(backlog, true)
		u.owner.mu.Unlock()

		switch st {
		case readerStopped:
			return false
		case readerPaused:
			continue
		default:
			return true
		}
	}
}

// StateChange is called with the stream mutex held
func (u *UDPReader) StateChange() {
	if u.owner.isStopped() {
		// Closing the socket cancels a blocked receive. No logging
		// here: this can run in a shutdown path.
		_ = u.conn.Close()
		u.signalWake()
		return
	}
	if !u.owner.isPaused() {
		u.signalWake()
	}
}

// Join blocks until the receive loop has fully wound down
func (u *UDPReader) Join() {
	<-u.stoppedCh
}

func (u *UDPReader) signalWake() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}
