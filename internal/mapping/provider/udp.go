package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mapping/internal/mapping/wire"
	"github.com/banshee-data/mapping/internal/monitoring"
)

// UDPConfig configures a UDPProvider.
type UDPConfig struct {
	Name    string
	Address string
	// RcvBuf is the socket receive buffer in bytes; 0 keeps the OS default.
	RcvBuf int
	// LogInterval controls how often packet statistics are logged.
	LogInterval time.Duration
}

// UDPProvider receives msgpack-encoded observations on a UDP socket.
type UDPProvider struct {
	*Hub
	address     string
	rcvBuf      int
	logInterval time.Duration
	logf        func(format string, v ...interface{})

	mu    sync.Mutex
	conn  *net.UDPConn
	ready chan struct{}

	packets   atomic.Uint64
	malformed atomic.Uint64
}

// NewUDPProvider returns a provider that listens once Run is called.
func NewUDPProvider(cfg UDPConfig) *UDPProvider {
	if cfg.LogInterval == 0 {
		cfg.LogInterval = time.Minute
	}
	return &UDPProvider{
		Hub:         NewHub(cfg.Name),
		address:     cfg.Address,
		rcvBuf:      cfg.RcvBuf,
		logInterval: cfg.LogInterval,
		logf:        monitoring.Component("UDPProvider", cfg.Name),
		ready:       make(chan struct{}),
	}
}

// Ready is closed once the socket is bound.
func (p *UDPProvider) Ready() <-chan struct{} { return p.ready }

// Addr is the bound local address, or nil before Run binds it.
func (p *UDPProvider) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.LocalAddr()
}

// Stats returns the number of datagrams received and how many of them
// failed to decode.
func (p *UDPProvider) Stats() (packets, malformed uint64) {
	return p.packets.Load(), p.malformed.Load()
}

// Run listens until ctx is cancelled. Malformed datagrams are counted and
// skipped.
func (p *UDPProvider) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", p.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %q: %w", p.address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", p.address, err)
	}
	defer conn.Close()
	if p.rcvBuf > 0 {
		if err := conn.SetReadBuffer(p.rcvBuf); err != nil {
			p.logf("Warning: failed to set receive buffer to %d bytes: %v", p.rcvBuf, err)
		}
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	close(p.ready)
	p.logf("listening on %s", conn.LocalAddr())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	ticker := time.NewTicker(p.logInterval)
	defer ticker.Stop()

	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				p.logf("stopping: %d packets, %d malformed", p.packets.Load(), p.malformed.Load())
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		p.packets.Add(1)
		obs, err := wire.Decode(buf[:n])
		if err != nil {
			if p.malformed.Add(1) == 1 {
				p.logf("dropping malformed packet: %v", err)
			}
			continue
		}
		p.Deliver(obs)

		select {
		case <-ticker.C:
			p.logf("%d packets received, %d malformed", p.packets.Load(), p.malformed.Load())
		default:
		}
	}
}
