package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/mapping/internal/mapping/wire"
	"github.com/banshee-data/mapping/internal/monitoring"
	"github.com/banshee-data/mapping/internal/timeutil"
)

// PCAPConfig configures a PCAPProvider.
type PCAPConfig struct {
	Name string
	Path string
	// UDPPort keeps only datagrams sent to this port; 0 keeps all UDP.
	UDPPort int
	// Realtime paces delivery by the capture timestamps.
	Realtime bool
	// SpeedMultiplier scales realtime replay (2.0 plays twice as fast).
	SpeedMultiplier float64
	Clock           timeutil.Clock
}

// PCAPProvider replays observations captured in a pcap or pcapng file.
type PCAPProvider struct {
	*Hub
	cfg  PCAPConfig
	logf func(format string, v ...interface{})
}

// NewPCAPProvider returns a provider that replays cfg.Path when Run is called.
func NewPCAPProvider(cfg PCAPConfig) *PCAPProvider {
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &PCAPProvider{
		Hub:  NewHub(cfg.Name),
		cfg:  cfg,
		logf: monitoring.Component("PCAPProvider", cfg.Name),
	}
}

type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

func openCapture(r io.Reader) (packetReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// Run replays the file once and returns when it is exhausted or ctx is
// cancelled.
func (p *PCAPProvider) Run(ctx context.Context) error {
	f, err := os.Open(p.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", p.cfg.Path, err)
	}
	defer f.Close()
	return p.Replay(ctx, f)
}

// Replay delivers the observations found in the capture read from r.
func (p *PCAPProvider) Replay(ctx context.Context, r io.Reader) error {
	reader, err := openCapture(r)
	if err != nil {
		return err
	}
	src := gopacket.NewPacketSource(reader, reader.LinkType())
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true}

	start := p.cfg.Clock.Now()
	var first time.Time
	delivered, skipped := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			p.logf("stopping due to context cancellation (%d delivered)", delivered)
			return err
		}
		packet, err := src.NextPacket()
		if errors.Is(err, io.EOF) {
			p.logf("replay complete: %d observations, %d packets skipped in %v",
				delivered, skipped, p.cfg.Clock.Since(start))
			return nil
		}
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || (p.cfg.UDPPort != 0 && int(udp.DstPort) != p.cfg.UDPPort) {
			skipped++
			continue
		}
		obs, err := wire.Decode(udp.Payload)
		if err != nil {
			skipped++
			continue
		}

		if p.cfg.Realtime {
			ts := packet.Metadata().Timestamp
			if first.IsZero() {
				first = ts
			}
			due := time.Duration(float64(ts.Sub(first)) / p.cfg.SpeedMultiplier)
			if wait := due - p.cfg.Clock.Since(start); wait > 0 {
				p.cfg.Clock.Sleep(wait)
			}
		}
		p.Deliver(obs)
		delivered++
	}
}
