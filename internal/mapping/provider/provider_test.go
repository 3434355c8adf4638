package provider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mapping/internal/mapping/data"
	"github.com/banshee-data/mapping/internal/mapping/wire"
	"github.com/banshee-data/mapping/internal/timeutil"
)

// collector gathers delivered observations.
type collector struct {
	mu  sync.Mutex
	got []data.Observation
	ch  chan struct{}
}

func newCollector() *collector { return &collector{ch: make(chan struct{}, 64)} }

func (c *collector) cb(obs data.Observation) {
	c.mu.Lock()
	c.got = append(c.got, obs)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) all() []data.Observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]data.Observation(nil), c.got...)
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d observations", i, n)
		}
	}
}

func cloud(frame string, sec int64, pts ...r3.Vec) *data.Pointcloud3D {
	return data.NewPointcloud3D(frame, data.TimeFrame{Start: time.Unix(sec, 0), End: time.Unix(sec, 5)}, pts)
}

func TestHubDeliversInConnectionOrder(t *testing.T) {
	s := NewStatic("sim")
	assert.Equal(t, "sim", s.Name())

	var order []string
	c1 := s.Connect(func(data.Observation) { order = append(order, "first") })
	c2 := s.Connect(func(data.Observation) { order = append(order, "second") })
	assert.Equal(t, 2, s.Subscribers())

	s.Deliver(cloud("lidar", 1))
	assert.Equal(t, []string{"first", "second"}, order)

	c1.Disconnect()
	c1.Disconnect()
	s.Deliver(cloud("lidar", 2))
	assert.Equal(t, []string{"first", "second", "second"}, order)
	assert.Equal(t, 1, s.Subscribers())
	assert.Equal(t, uint64(2), s.Delivered())

	c2.Disconnect()
	s.Deliver(cloud("lidar", 3))
	assert.Len(t, order, 3)
}

func TestHubCallbackMayDisconnectItself(t *testing.T) {
	s := NewStatic("sim")
	var conn Connection
	calls := 0
	conn = s.Connect(func(data.Observation) {
		calls++
		conn.Disconnect()
	})
	s.Deliver(cloud("lidar", 1))
	s.Deliver(cloud("lidar", 2))
	assert.Equal(t, 1, calls)
}

func TestRegistry(t *testing.T) {
	r := Registry{}
	r.Add(NewStatic("a"))
	r.Add(NewStatic("b"))
	assert.Len(t, r, 2)
	assert.Equal(t, "b", r["b"].Name())
}

func TestUDPProviderDecodesDatagrams(t *testing.T) {
	p := NewUDPProvider(UDPConfig{Name: "udp", Address: "127.0.0.1:0"})
	col := newCollector()
	p.Connect(col.cb)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	select {
	case <-p.Ready():
	case err := <-done:
		t.Fatalf("Run: %v", err)
	}

	conn, err := net.Dial("udp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	b, err := wire.Encode(cloud("lidar", 7, r3.Vec{X: 1, Y: 2, Z: 3}))
	require.NoError(t, err)
	_, err = conn.Write([]byte("garbage"))
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)

	col.wait(t, 1)
	got := col.all()[0].(*data.Pointcloud3D)
	assert.Equal(t, "lidar", got.Frame())
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, got.At(0))

	cancel()
	require.NoError(t, <-done)
	packets, malformed := p.Stats()
	assert.Equal(t, uint64(2), packets)
	assert.Equal(t, uint64(1), malformed)
}

func TestUDPProviderBadAddress(t *testing.T) {
	p := NewUDPProvider(UDPConfig{Name: "udp", Address: "not-an-address"})
	assert.Error(t, p.Run(context.Background()))
	assert.Nil(t, p.Addr())
}

// writeCapture builds a pcap file holding one Ethernet/IPv4/UDP frame per
// payload, 100ms apart.
func writeCapture(t *testing.T, port int, payloads ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	base := time.Unix(1700000000, 0)
	for i, payload := range payloads {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(192, 168, 1, 10),
			DstIP:    net.IPv4(192, 168, 1, 20),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		sb := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(sb, opts, eth, ip, udp, gopacket.Payload(payload)))
		frame := sb.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * 100 * time.Millisecond),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		require.NoError(t, w.WritePacket(ci, frame))
	}
	return buf.Bytes()
}

func TestPCAPReplay(t *testing.T) {
	first, err := wire.Encode(cloud("lidar", 1, r3.Vec{X: 1}))
	require.NoError(t, err)
	second, err := wire.Encode(data.NewLaserScan2D("laser", data.TimeFrame{Start: time.Unix(2, 0)}, 0, 0.1, 0, 10, []float64{1, 2}))
	require.NoError(t, err)
	capture := writeCapture(t, 2368, first, []byte("noise"), second)
	other := writeCapture(t, 9999, first)

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	p := NewPCAPProvider(PCAPConfig{Name: "replay", UDPPort: 2368, Realtime: true, SpeedMultiplier: 2, Clock: clock})
	col := newCollector()
	p.Connect(col.cb)

	require.NoError(t, p.Replay(context.Background(), bytes.NewReader(capture)))
	got := col.all()
	require.Len(t, got, 2)
	assert.Equal(t, data.KindPointcloud3D, got[0].Kind())
	assert.Equal(t, data.KindLaserScan2D, got[1].Kind())
	assert.Equal(t, "laser", got[1].Frame())
	// Packets are 200ms apart in the capture, replayed at twice the speed.
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, clock.Sleeps())

	require.NoError(t, p.Replay(context.Background(), bytes.NewReader(other)))
	assert.Len(t, col.all(), 2, "other ports are filtered out")
}

func TestPCAPReplayCancelled(t *testing.T) {
	b, err := wire.Encode(cloud("lidar", 1))
	require.NoError(t, err)
	p := NewPCAPProvider(PCAPConfig{Name: "replay"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.Replay(ctx, bytes.NewReader(writeCapture(t, 2368, b)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPCAPRunMissingFile(t *testing.T) {
	p := NewPCAPProvider(PCAPConfig{Name: "replay", Path: t.TempDir() + "/missing.pcap"})
	assert.Error(t, p.Run(context.Background()))
}

func TestParseScanLine(t *testing.T) {
	scan, err := ParseScanLine("scan,/laser,1000,2000,-1.5,0.5,0.1,20,1 2.5 inf nan 30\n")
	require.NoError(t, err)
	assert.Equal(t, "/laser", scan.Frame())
	assert.Equal(t, time.Unix(0, 1000), scan.TimeFrame().Start)
	assert.Equal(t, -1.5, scan.AngleMin)
	assert.Equal(t, 20.0, scan.RangeMax)
	require.Equal(t, 5, scan.Len())
	assert.True(t, math.IsInf(scan.Range(2), 1))
	assert.True(t, scan.Valid(1))
	assert.False(t, scan.Valid(3))
	assert.False(t, scan.Valid(4))

	again, err := ParseScanLine(FormatScanLine(scan))
	require.NoError(t, err)
	assert.Equal(t, FormatScanLine(scan), FormatScanLine(again))

	for _, bad := range []string{
		"scan,laser,1,2,0,0.1,0,10",
		"scan,,1,2,0,0.1,0,10,1",
		"scan,laser,x,2,0,0.1,0,10,1",
		"scan,laser,5,2,0,0.1,0,10,1",
		"scan,laser,1,2,zero,0.1,0,10,1",
		"scan,laser,1,2,0,0.1,0,10,1 two",
		"odom,1,2,3",
	} {
		_, err := ParseScanLine(bad)
		assert.ErrorIs(t, err, ErrBadScanLine, bad)
	}
}

type fakePort struct {
	io.Reader
	closed bool
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestSerialScanProvider(t *testing.T) {
	input := strings.Join([]string{
		"# boot banner",
		"scan,laser,1,2,0,0.1,0,10,1 2 3",
		"scan,laser,broken",
		"scan,laser,3,4,0,0.1,0,10,4",
	}, "\n") + "\n"
	port := &fakePort{Reader: strings.NewReader(input)}

	var openedPath string
	var openedBaud int
	p := NewSerialScanProvider(SerialConfig{
		Name:     "serial",
		Port:     "/dev/ttyUSB0",
		BaudRate: 230400,
		Open: func(path string, baud int) (Port, error) {
			openedPath, openedBaud = path, baud
			return port, nil
		},
	})
	col := newCollector()
	p.Connect(col.cb)

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, "/dev/ttyUSB0", openedPath)
	assert.Equal(t, 230400, openedBaud)
	assert.True(t, port.closed)

	got := col.all()
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].(*data.LaserScan2D).Len())
	assert.Equal(t, 4.0, got[1].(*data.LaserScan2D).Range(0))
}

func TestSerialScanProviderOpenError(t *testing.T) {
	p := NewSerialScanProvider(SerialConfig{
		Name: "serial",
		Open: func(string, int) (Port, error) { return nil, errors.New("no such device") },
	})
	assert.ErrorContains(t, p.Run(context.Background()), "no such device")
}
