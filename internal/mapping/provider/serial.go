package provider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/mapping/internal/mapping/data"
	"github.com/banshee-data/mapping/internal/monitoring"
)

// ErrBadScanLine is returned by ParseScanLine for lines it cannot decode.
var ErrBadScanLine = errors.New("malformed scan line")

// Port is the part of a serial port the scan provider needs.
type Port interface {
	io.ReadCloser
}

// PortOpener opens the named serial port at baud.
type PortOpener func(path string, baud int) (Port, error)

// OpenSerialPort opens a real serial port with 8N1 framing.
func OpenSerialPort(path string, baud int) (Port, error) {
	if baud <= 0 {
		baud = 115200
	}
	return serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// SerialConfig configures a SerialScanProvider.
type SerialConfig struct {
	Name     string
	Port     string
	BaudRate int
	// Open defaults to OpenSerialPort.
	Open PortOpener
}

// SerialScanProvider reads planar laser scans from a serial line protocol:
//
//	scan,<frame>,<start_ns>,<end_ns>,<angle_min>,<angle_inc>,<range_min>,<range_max>,<r0> <r1> ...
type SerialScanProvider struct {
	*Hub
	cfg  SerialConfig
	logf func(format string, v ...interface{})
}

// NewSerialScanProvider returns a provider that opens its port when Run is called.
func NewSerialScanProvider(cfg SerialConfig) *SerialScanProvider {
	if cfg.Open == nil {
		cfg.Open = OpenSerialPort
	}
	return &SerialScanProvider{
		Hub:  NewHub(cfg.Name),
		cfg:  cfg,
		logf: monitoring.Component("SerialScanProvider", cfg.Name),
	}
}

// Run reads lines until ctx is cancelled or the port reaches EOF. Lines that
// are not scans are ignored; malformed scans are logged and skipped.
func (p *SerialScanProvider) Run(ctx context.Context) error {
	port, err := p.cfg.Open(p.cfg.Port, p.cfg.BaudRate)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", p.cfg.Port, err)
	}
	defer port.Close()
	p.logf("reading scans from %s", p.cfg.Port)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(port)
		scan.Buffer(make([]byte, 64*1024), 1<<20)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("read %s: %w", p.cfg.Port, err)
				}
				return nil
			}
			if !strings.HasPrefix(line, "scan,") {
				continue
			}
			scan, err := ParseScanLine(line)
			if err != nil {
				p.logf("skipping line: %v", err)
				continue
			}
			p.Deliver(scan)
		}
	}
}

// ParseScanLine decodes one scan line. Ranges may be "inf" or "nan"; such
// beams are kept and later treated as invalid.
func ParseScanLine(line string) (*data.LaserScan2D, error) {
	fields := strings.SplitN(strings.TrimSpace(line), ",", 9)
	if len(fields) != 9 || fields[0] != "scan" {
		return nil, fmt.Errorf("%w: want 9 comma-separated fields starting with \"scan\"", ErrBadScanLine)
	}
	frame := fields[1]
	if frame == "" {
		return nil, fmt.Errorf("%w: empty frame", ErrBadScanLine)
	}

	var stamps [2]int64
	for i := range stamps {
		v, err := strconv.ParseInt(fields[2+i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp %q: %v", ErrBadScanLine, fields[2+i], err)
		}
		stamps[i] = v
	}
	if stamps[1] < stamps[0] {
		return nil, fmt.Errorf("%w: end %d before start %d", ErrBadScanLine, stamps[1], stamps[0])
	}

	var params [4]float64
	for i := range params {
		v, err := strconv.ParseFloat(fields[4+i], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d %q: %v", ErrBadScanLine, 4+i, fields[4+i], err)
		}
		params[i] = v
	}

	raw := strings.Fields(fields[8])
	ranges := make([]float64, len(raw))
	for i, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: range %d %q: %v", ErrBadScanLine, i, s, err)
		}
		ranges[i] = v
	}

	tf := data.TimeFrame{Start: time.Unix(0, stamps[0]), End: time.Unix(0, stamps[1])}
	return data.NewLaserScan2D(frame, tf, params[0], params[1], params[2], params[3], ranges), nil
}

// FormatScanLine is the inverse of ParseScanLine.
func FormatScanLine(s *data.LaserScan2D) string {
	var b strings.Builder
	tf := s.TimeFrame()
	fmt.Fprintf(&b, "scan,%s,%d,%d,%s,%s,%s,%s,", s.Frame(), tf.Start.UnixNano(), tf.End.UnixNano(),
		formatFloat(s.AngleMin), formatFloat(s.AngleIncrement), formatFloat(s.RangeMin), formatFloat(s.RangeMax))
	for i := 0; i < s.Len(); i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(formatFloat(s.Range(i)))
	}
	return b.String()
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
