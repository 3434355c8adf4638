// Package wire encodes observations into the msgpack datagrams exchanged by
// the UDP and pcap data providers.
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mapping/internal/mapping/data"
)

// MaxDatagramSize bounds a single encoded observation so it fits one UDP
// datagram.
const MaxDatagramSize = 65507

// ErrMalformed is returned when a payload cannot be decoded into an observation.
var ErrMalformed = errors.New("malformed observation packet")

// Packet is the on-wire form of an observation. Points are flattened as
// x0,y0,z0,x1,y1,z1,...
type Packet struct {
	Kind       string    `msgpack:"kind"`
	Frame      string    `msgpack:"frame"`
	StartNanos int64     `msgpack:"start"`
	EndNanos   int64     `msgpack:"end"`
	XYZ        []float64 `msgpack:"xyz,omitempty"`

	AngleMin       float64   `msgpack:"angle_min,omitempty"`
	AngleIncrement float64   `msgpack:"angle_inc,omitempty"`
	RangeMin       float64   `msgpack:"range_min,omitempty"`
	RangeMax       float64   `msgpack:"range_max,omitempty"`
	Ranges         []float64 `msgpack:"ranges,omitempty"`
}

// Encode serialises a supported observation.
func Encode(obs data.Observation) ([]byte, error) {
	tf := obs.TimeFrame()
	p := Packet{
		Kind:       string(obs.Kind()),
		Frame:      obs.Frame(),
		StartNanos: tf.Start.UnixNano(),
		EndNanos:   tf.End.UnixNano(),
	}

	switch o := obs.(type) {
	case *data.Pointcloud3D:
		p.XYZ = make([]float64, 0, 3*o.Len())
		o.Each(func(v r3.Vec) { p.XYZ = append(p.XYZ, v.X, v.Y, v.Z) })
	case *data.LaserScan2D:
		p.AngleMin = o.AngleMin
		p.AngleIncrement = o.AngleIncrement
		p.RangeMin = o.RangeMin
		p.RangeMax = o.RangeMax
		p.Ranges = make([]float64, o.Len())
		for i := range p.Ranges {
			p.Ranges[i] = o.Range(i)
		}
	default:
		return nil, fmt.Errorf("wire: unsupported observation kind %q", obs.Kind())
	}

	b, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxDatagramSize {
		return nil, fmt.Errorf("wire: encoded observation is %d bytes (max %d)", len(b), MaxDatagramSize)
	}
	return b, nil
}

// Decode parses a payload produced by Encode.
func Decode(b []byte) (data.Observation, error) {
	var p Packet
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Frame == "" {
		return nil, fmt.Errorf("%w: missing frame", ErrMalformed)
	}
	tf := data.TimeFrame{Start: time.Unix(0, p.StartNanos), End: time.Unix(0, p.EndNanos)}

	switch data.Kind(p.Kind) {
	case data.KindPointcloud3D:
		if len(p.XYZ)%3 != 0 {
			return nil, fmt.Errorf("%w: %d coordinates is not a multiple of 3", ErrMalformed, len(p.XYZ))
		}
		pts := make([]r3.Vec, len(p.XYZ)/3)
		for i := range pts {
			pts[i] = r3.Vec{X: p.XYZ[3*i], Y: p.XYZ[3*i+1], Z: p.XYZ[3*i+2]}
		}
		return data.NewPointcloud3D(p.Frame, tf, pts), nil
	case data.KindLaserScan2D:
		return data.NewLaserScan2D(p.Frame, tf, p.AngleMin, p.AngleIncrement, p.RangeMin, p.RangeMax, p.Ranges), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, p.Kind)
	}
}
