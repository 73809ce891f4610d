package recv

import (
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	cerrors "github.com/sakthipriyas/spead2/errors"
)

// fakeBypassDriver is a test technology: frames are injected by hand
// instead of read from a NIC
type fakeBypassDriver struct {
	svc    *BypassService
	closed chan struct{}
}

func (d *fakeBypassDriver) Close() error {
	close(d.closed)
	return nil
}

// inject dispatches one frame on the service strand, like a real driver
// would, and reports whether it was consumed
func (d *fakeBypassDriver) inject(t *testing.T, frame []byte) bool {
	t.Helper()
	var consumed bool
	require.NoError(t, d.svc.Strand().PostWait(func() error {
		consumed = d.svc.Dispatch(frame)
		return nil
	}))
	return consumed
}

var fakeTechSeq atomic.Int64

// registerFakeTech registers a uniquely named fake technology and
// returns its name plus a getter for the constructed driver
func registerFakeTech(t *testing.T) (string, func() *fakeBypassDriver) {
	t.Helper()
	name := fmt.Sprintf("faketech%d", fakeTechSeq.Add(1))
	var driver atomic.Pointer[fakeBypassDriver]
	RegisterBypassTechnology(name, func(iface string, svc *BypassService) (BypassDriver, error) {
		d := &fakeBypassDriver{svc: svc, closed: make(chan struct{})}
		driver.Store(d)
		return d, nil
	})
	return name, driver.Load
}

// buildFrame serializes an Ethernet/IPv4/UDP frame around a payload
func buildFrame(t *testing.T, dst net.IP, dstPort uint16, payload []byte) []byte {
	t.Helper()
	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
		DstIP:    dst.To4(),
	}
	udp := layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(&ip))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&eth, &ip, &udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestBypassTypesListsRegistered(t *testing.T) {
	name, _ := registerFakeTech(t)
	types := BypassTypes()
	require.Contains(t, types, name)

	// Sorted order
	for i := 1; i < len(types); i++ {
		require.LessOrEqual(t, types[i-1], types[i])
	}
}

func TestBypassUnknownTechnology(t *testing.T) {
	rs, err := NewRingStream(RingStreamConfig{})
	require.NoError(t, err)
	defer rs.Stop()

	err = rs.AddBypassReader("no-such-tech", "eth0", netip.MustParseAddrPort("1.2.3.4:9000"))
	require.Error(t, err)
	require.ErrorIs(t, err, cerrors.ErrUnknownTechnology)
}

func TestBypassRejectsNonIPv4Endpoint(t *testing.T) {
	name, _ := registerFakeTech(t)
	rs, err := NewRingStream(RingStreamConfig{})
	require.NoError(t, err)
	defer rs.Stop()

	err = rs.AddBypassReader(name, "eth0", netip.MustParseAddrPort("[::1]:9000"))
	require.Error(t, err)
	require.ErrorIs(t, err, cerrors.ErrNotIPv4)
}

func TestBypassDuplicateEndpoint(t *testing.T) {
	name, _ := registerFakeTech(t)
	rs, err := NewRingStream(RingStreamConfig{})
	require.NoError(t, err)
	defer rs.Stop()

	ep := netip.MustParseAddrPort("1.2.3.4:9000")
	require.NoError(t, rs.AddBypassReader(name, "eth0", ep))

	err = rs.AddBypassReader(name, "eth0", ep)
	require.Error(t, err)
	require.ErrorIs(t, err, cerrors.ErrEndpointRegistered)
}

func TestBypassDispatchAndReceive(t *testing.T) {
	name, getDriver := registerFakeTech(t)
	rs, err := NewRingStream(RingStreamConfig{})
	require.NoError(t, err)
	defer rs.Stop()

	require.NoError(t, rs.AddBypassReader(name, "eth0", netip.MustParseAddrPort("1.2.3.4:9000")))
	driver := getDriver()
	require.NotNil(t, driver)

	payload := []byte("0123456789abcdef")
	frame := buildFrame(t, net.IPv4(1, 2, 3, 4), 9000, onePacketHeap(1, payload))
	require.True(t, driver.inject(t, frame))

	h := popTimeout(t, rs, 5*time.Second)
	require.Equal(t, int64(1), h.Cnt())
	require.True(t, h.IsComplete())
	require.Equal(t, payload, h.Payload())
}

func TestBypassWildcardDispatch(t *testing.T) {
	name, getDriver := registerFakeTech(t)

	exact, err := NewRingStream(RingStreamConfig{})
	require.NoError(t, err)
	defer exact.Stop()
	wildcard, err := NewRingStream(RingStreamConfig{})
	require.NoError(t, err)
	defer wildcard.Stop()

	require.NoError(t, exact.AddBypassReader(name, "eth0", netip.MustParseAddrPort("1.2.3.4:9000")))
	require.NoError(t, wildcard.AddBypassReader(name, "eth0", netip.MustParseAddrPort("0.0.0.0:9000")))
	driver := getDriver()

	payload := []byte("0123456789abcdef")

	// Addressed to the exact endpoint: only the exact reader sees it
	require.True(t, driver.inject(t,
		buildFrame(t, net.IPv4(1, 2, 3, 4), 9000, onePacketHeap(1, payload))))
	h := popTimeout(t, exact, 5*time.Second)
	require.Equal(t, int64(1), h.Cnt())
	_, err = wildcard.TryPop()
	require.ErrorIs(t, err, cerrors.ErrRingEmpty)

	// A different address on the same port falls back to the wildcard
	require.True(t, driver.inject(t,
		buildFrame(t, net.IPv4(1, 2, 3, 5), 9000, onePacketHeap(2, payload))))
	h = popTimeout(t, wildcard, 5*time.Second)
	require.Equal(t, int64(2), h.Cnt())
	_, err = exact.TryPop()
	require.ErrorIs(t, err, cerrors.ErrRingEmpty)

	// Unclaimed port is not consumed
	require.False(t, driver.inject(t,
		buildFrame(t, net.IPv4(1, 2, 3, 4), 9999, onePacketHeap(3, payload))))
}

func TestBypassRejectsNonMatchingFrames(t *testing.T) {
	name, getDriver := registerFakeTech(t)
	rs, err := NewRingStream(RingStreamConfig{})
	require.NoError(t, err)
	defer rs.Stop()

	require.NoError(t, rs.AddBypassReader(name, "eth0", netip.MustParseAddrPort("1.2.3.4:9000")))
	driver := getDriver()

	good := buildFrame(t, net.IPv4(1, 2, 3, 4), 9000, onePacketHeap(1, []byte("x")))

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"short frame", func(b []byte) []byte { return b[:20] }},
		{"wrong ethertype", func(b []byte) []byte { b[12] = 0x86; b[13] = 0xdd; return b }},
		{"ip options", func(b []byte) []byte { b[14] = 0x46; return b }},
		{"not udp", func(b []byte) []byte { b[23] = 6; return b }},
		{"fragmented", func(b []byte) []byte { b[20] = 0x20; b[21] = 0x01; return b }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := make([]byte, len(good))
			copy(frame, good)
			require.False(t, driver.inject(t, tt.mutate(frame)))
		})
	}

	// The unmutated frame still goes through
	require.True(t, driver.inject(t, good))
}

func TestBypassFragmentCheckMatchesWireBehavior(t *testing.T) {
	name, getDriver := registerFakeTech(t)
	rs, err := NewRingStream(RingStreamConfig{})
	require.NoError(t, err)
	defer rs.Stop()

	require.NoError(t, rs.AddBypassReader(name, "eth0", netip.MustParseAddrPort("1.2.3.4:9000")))
	driver := getDriver()

	// The fragment test reads the offset word in native order: a
	// fragment whose offset sits only in the low byte (offset=8, wire
	// bytes 0x00 0x08) passes the fast-path check and is consumed. Its
	// payload is mid-heap bytes, not a packet, so decode drops it and
	// the stream sees nothing.
	frame := buildFrame(t, net.IPv4(1, 2, 3, 4), 9000, []byte("not a spead packet"))
	frame[20] = 0x00
	frame[21] = 0x08
	require.True(t, driver.inject(t, frame))

	_, err = rs.TryPop()
	require.ErrorIs(t, err, cerrors.ErrRingEmpty)

	// High offset bits in the first byte are caught
	frame2 := buildFrame(t, net.IPv4(1, 2, 3, 4), 9000, onePacketHeap(2, []byte("x")))
	frame2[20] = 0x01
	frame2[21] = 0x00
	require.False(t, driver.inject(t, frame2))
}

func TestBypassServiceSharedAndTornDown(t *testing.T) {
	name, getDriver := registerFakeTech(t)

	s1, err := NewRingStream(RingStreamConfig{})
	require.NoError(t, err)
	s2, err := NewRingStream(RingStreamConfig{})
	require.NoError(t, err)

	require.NoError(t, s1.AddBypassReader(name, "eth0", netip.MustParseAddrPort("1.2.3.4:9000")))
	firstDriver := getDriver()
	require.NoError(t, s2.AddBypassReader(name, "eth0", netip.MustParseAddrPort("1.2.3.4:9001")))

	// The second registration reuses the first service instance
	require.Same(t, firstDriver, getDriver())

	s1.Stop()
	select {
	case <-firstDriver.closed:
		t.Fatal("driver closed while a reader still holds the service")
	default:
	}

	s2.Stop()
	select {
	case <-firstDriver.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("driver not closed after last reader released")
	}
}

func TestBypassDeregistrationFreesEndpoint(t *testing.T) {
	name, _ := registerFakeTech(t)

	rs, err := NewRingStream(RingStreamConfig{})
	require.NoError(t, err)
	ep := netip.MustParseAddrPort("1.2.3.4:9000")
	require.NoError(t, rs.AddBypassReader(name, "eth0", ep))
	rs.Stop()

	// After the stop the endpoint (and the whole service) is gone; a
	// new stream can claim it again
	rs2, err := NewRingStream(RingStreamConfig{})
	require.NoError(t, err)
	defer rs2.Stop()
	require.NoError(t, rs2.AddBypassReader(name, "eth0", ep))
}
