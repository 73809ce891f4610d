package recv

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"

	"github.com/sakthipriyas/spead2/errors"
	"github.com/sakthipriyas/spead2/pkg/worker"
)

// BypassDriver is the technology-specific half of a bypass service: it
// owns the NIC handle and delivers raw Ethernet frames. A driver must
// start frame delivery at construction, hand every frame to the
// service's dispatch (on the service strand), and on Close stop
// delivery and join its worker before returning.
type BypassDriver interface {
	Close() error
}

// BypassDriverFactory constructs a driver bound to one interface,
// delivering frames to svc.Dispatch.
type BypassDriverFactory func(iface string, svc *BypassService) (BypassDriver, error)

var (
	bypassTechMu sync.Mutex
	bypassTechs  = make(map[string]BypassDriverFactory)
)

// RegisterBypassTechnology registers a driver factory under a
// technology name. Typically called from a driver's init.
func RegisterBypassTechnology(name string, factory BypassDriverFactory) {
	bypassTechMu.Lock()
	defer bypassTechMu.Unlock()
	bypassTechs[name] = factory
}

// BypassTypes returns the supported technology names in sorted order
func BypassTypes() []string {
	bypassTechMu.Lock()
	defer bypassTechMu.Unlock()
	names := make([]string, 0, len(bypassTechs))
	for name := range bypassTechs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fixed frame layout accepted by the fast path: Ethernet (14) + IPv4
// without options (20) + UDP (8)
const (
	bypassEthHeaderLen = 14
	bypassIPHeaderLen  = 20
	bypassUDPHeaderLen = 8
	bypassHeaderLen    = bypassEthHeaderLen + bypassIPHeaderLen + bypassUDPHeaderLen
)

// BypassService demultiplexes raw frames from one interface to the
// bypass readers registered for their destination endpoints. One
// instance exists per (technology, interface); readers share it through
// ref-counted registry entries. The endpoint table is confined to the
// service strand, so the dispatch hot path takes no lock.
type BypassService struct {
	tech  string
	iface string

	strand *worker.Strand

	// readers is read and mutated only on the strand
	readers map[netip.AddrPort]*BypassReader

	driver BypassDriver
	logger *slog.Logger
}

// Technology returns the service's technology name
func (b *BypassService) Technology() string { return b.tech }

// Interface returns the name of the network interface served
func (b *BypassService) Interface() string { return b.iface }

// Strand returns the service's serialization domain. Drivers post frame
// dispatch onto it.
func (b *BypassService) Strand() *worker.Strand { return b.strand }

// AddEndpoint registers a reader for an endpoint. The mutation runs on
// the service strand; the returned error reports a non-IPv4 address or
// a duplicate registration.
func (b *BypassService) AddEndpoint(ep netip.AddrPort, r *BypassReader) error {
	if !ep.Addr().Is4() {
		return errors.WrapInvalid(errors.ErrNotIPv4, "bypass-service", "AddEndpoint", "address validation")
	}
	return b.strand.PostWait(func() error {
		if _, ok := b.readers[ep]; ok {
			return errors.WrapInvalid(errors.ErrEndpointRegistered,
				"bypass-service", "AddEndpoint", "registration")
		}
		b.readers[ep] = r
		return nil
	})
}

// RemoveEndpoint deregisters an endpoint on the service strand
func (b *BypassService) RemoveEndpoint(ep netip.AddrPort) error {
	return b.strand.PostWait(func() error {
		if _, ok := b.readers[ep]; !ok {
			return errors.WrapInvalid(errors.ErrEndpointNotRegistered,
				"bypass-service", "RemoveEndpoint", "registration")
		}
		delete(b.readers, ep)
		return nil
	})
}

// Dispatch hands one raw frame to the service for demultiplexing. It
// must be called from the service strand; drivers usually post it:
//
//	svc.Strand().Post(func() { svc.Dispatch(frame) })
//
// The return value reports whether the frame was consumed; unconsumed
// frames belong to the host stack.
func (b *BypassService) Dispatch(frame []byte) bool {
	if len(frame) < bypassHeaderLen {
		return false
	}
	// The fast path accepts exactly: IPv4, no IP options (so the UDP
	// header sits at a fixed offset), UDP, unfragmented
	if binary.BigEndian.Uint16(frame[12:14]) != 0x0800 { // ETHERTYPE_IP
		return false
	}
	if frame[14] != 0x45 { // version 4, IHL 5 => 20 byte header
		return false
	}
	if frame[23] != 17 { // IPPROTO_UDP
		return false
	}
	// frag_off is read as a raw native-order word, not byte-swapped:
	// the mask then covers the more-fragments bit and the high offset
	// bits of the first header byte. Fragments with an offset only in
	// the low byte slip through and are dropped at decode instead.
	fragOff := uint16(frame[21])<<8 | uint16(frame[20])
	if fragOff&0x3f != 0 {
		return false
	}

	addr := netip.AddrFrom4([4]byte(frame[30:34]))
	port := binary.BigEndian.Uint16(frame[36:38])
	r, ok := b.readers[netip.AddrPortFrom(addr, port)]
	if !ok {
		// Check if someone is listening on the port for all addresses
		r, ok = b.readers[netip.AddrPortFrom(netip.AddrFrom4([4]byte{}), port)]
	}
	if !ok {
		return false
	}
	r.processPacket(frame[bypassHeaderLen:])
	return true
}

// bypassRegistry shares one service per (technology, interface).
// Entries are ref-counted: each BypassReader holds one reference, and
// the last release tears the driver down.
var bypassRegistry = struct {
	sync.Mutex
	entries map[string]*bypassEntry
}{entries: make(map[string]*bypassEntry)}

type bypassEntry struct {
	svc  *BypassService
	refs int
}

func bypassKeyOf(tech, iface string) string { return tech + "/" + iface }

// ForInterface returns the shared service for (tech, iface),
// constructing it on first use. Every successful call takes a
// reference that must be paired with a Release.
func ForInterface(tech, iface string) (*BypassService, error) {
	bypassTechMu.Lock()
	factory, ok := bypassTechs[tech]
	bypassTechMu.Unlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("bypass type %q: %w", tech, errors.ErrUnknownTechnology),
			"bypass-service", "forInterface", "technology lookup")
	}

	bypassRegistry.Lock()
	defer bypassRegistry.Unlock()

	key := bypassKeyOf(tech, iface)
	if entry, ok := bypassRegistry.entries[key]; ok {
		entry.refs++
		return entry.svc, nil
	}

	svc := &BypassService{
		tech:    tech,
		iface:   iface,
		strand:  worker.NewStrand(256),
		readers: make(map[netip.AddrPort]*BypassReader),
		logger:  slog.Default().With("component", "bypass-service", "technology", tech, "interface", iface),
	}
	driver, err := factory(iface, svc)
	if err != nil {
		svc.strand.Stop()
		return nil, err
	}
	svc.driver = driver
	bypassRegistry.entries[key] = &bypassEntry{svc: svc, refs: 1}
	return svc, nil
}

// Release drops one reference; the last one stops the driver and the
// strand
func (b *BypassService) Release() {
	bypassRegistry.Lock()
	key := bypassKeyOf(b.tech, b.iface)
	entry, ok := bypassRegistry.entries[key]
	if !ok {
		bypassRegistry.Unlock()
		return
	}
	entry.refs--
	last := entry.refs == 0
	if last {
		delete(bypassRegistry.entries, key)
	}
	bypassRegistry.Unlock()

	if last {
		if err := b.driver.Close(); err != nil {
			b.logger.Warn("bypass driver close failed", "error", err)
		}
		b.strand.Stop()
	}
}

// BypassReader feeds packets for one endpoint from a shared bypass
// service into its stream.
type BypassReader struct {
	owner    *Stream
	svc      *BypassService
	endpoint netip.AddrPort

	// mu guards the deregistration future; independent of the stream
	// mutex so Join never needs the latter
	mu        sync.Mutex
	removeFut chan error

	joinOnce sync.Once
	logger   *slog.Logger
}

// AddBypassReader attaches a bypass reader for one endpoint on the
// given technology and interface
func (s *Stream) AddBypassReader(tech, iface string, endpoint netip.AddrPort) error {
	return s.AddReader(func(owner *Stream) (Reader, error) {
		return newBypassReader(owner, tech, iface, endpoint)
	})
}

func newBypassReader(owner *Stream, tech, iface string, endpoint netip.AddrPort) (*BypassReader, error) {
	if !endpoint.Addr().Is4() {
		return nil, errors.WrapInvalid(errors.ErrNotIPv4, "bypass-reader", "New", "address validation")
	}
	svc, err := ForInterface(tech, iface)
	if err != nil {
		return nil, err
	}
	return &BypassReader{
		owner:    owner,
		svc:      svc,
		endpoint: endpoint,
		logger: slog.Default().With("component", "bypass-reader",
			"technology", tech, "interface", iface, "endpoint", endpoint.String()),
	}, nil
}

// Start registers the endpoint with the service. Registration runs on
// the service strand, so it is arranged asynchronously and awaited by
// the stream once the stream mutex has been released.
func (r *BypassReader) Start() <-chan error {
	fut := make(chan error, 1)
	go func() {
		err := r.svc.AddEndpoint(r.endpoint, r)
		if err != nil {
			// Registration failed: the reader will never receive
			// packets, and deregistration must not be attempted
			r.mu.Lock()
			done := make(chan error, 1)
			done <- nil
			r.removeFut = done
			r.mu.Unlock()
		}
		fut <- err
	}()
	return fut
}

// processPacket runs on the service strand with the UDP payload of one
// dispatched frame
func (r *BypassReader) processPacket(data []byte) {
	p, size, err := DecodePacket(data, r.owner.bugCompat)
	if err != nil {
		r.logger.Info("discarding undecodable packet", "error", err)
		return
	}
	if size != len(data) {
		r.logger.Info("discarding packet due to size mismatch",
			"decoded", size, "received", len(data))
		return
	}

	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	if r.owner.isStopped() {
		r.logger.Debug("discarding packet received after stream stopped")
		return
	}
	if r.owner.isPaused() {
		// Bypass delivery is lossy by design; a paused stream drops
		// rather than buffering an unbounded frame backlog
		r.logger.Debug("dropping packet while stream is paused")
		return
	}
	r.owner.addPacket(p)
	if r.owner.isStopped() {
		r.logger.Debug("end of stream detected")
	}
}

// StateChange is called with the stream mutex held. On stop it
// initiates asynchronous deregistration; Join waits for it.
func (r *BypassReader) StateChange() {
	if !r.owner.isStopped() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removeFut != nil {
		return
	}
	fut := make(chan error, 1)
	r.removeFut = fut
	go func() {
		fut <- r.svc.RemoveEndpoint(r.endpoint)
	}()
}

// Join waits for deregistration to finish and releases the shared
// service reference
func (r *BypassReader) Join() {
	r.mu.Lock()
	fut := r.removeFut
	r.mu.Unlock()
	if fut != nil {
		if err := <-fut; err != nil {
			r.logger.Warn("endpoint deregistration failed", "error", err)
		}
		// Leave the result for any further Join
		fut <- nil
	}
	r.joinOnce.Do(func() { r.svc.Release() })
}
