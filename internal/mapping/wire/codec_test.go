package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mapping/internal/mapping/data"
)

func TestEncodeDecode_Pointcloud(t *testing.T) {
	tf := data.TimeFrame{Start: time.Unix(10, 500), End: time.Unix(10, 900)}
	in := data.NewPointcloud3D("velodyne", tf, []r3.Vec{{X: 1, Y: 2, Z: 3}, {X: -1, Y: 0.5, Z: 0}})

	b, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	cloud, ok := out.(*data.Pointcloud3D)
	if !ok {
		t.Fatalf("decoded %T, want *data.Pointcloud3D", out)
	}
	if cloud.Frame() != "velodyne" || !cloud.TimeFrame().Start.Equal(tf.Start) || !cloud.TimeFrame().End.Equal(tf.End) {
		t.Errorf("header mismatch: %v", cloud)
	}
	var got []r3.Vec
	cloud.Each(func(p r3.Vec) { got = append(got, p) })
	if diff := cmp.Diff([]r3.Vec{{X: 1, Y: 2, Z: 3}, {X: -1, Y: 0.5, Z: 0}}, got); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecode_LaserScan(t *testing.T) {
	in := data.NewLaserScan2D("laser", data.TimeFrame{Start: time.Unix(1, 0)}, -1.5, 0.01, 0.1, 30, []float64{1, 2, 3})

	b, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	scan := out.(*data.LaserScan2D)
	if scan.AngleMin != -1.5 || scan.AngleIncrement != 0.01 || scan.RangeMax != 30 || scan.Len() != 3 || scan.Range(2) != 3 {
		t.Errorf("scan mismatch: %+v", scan)
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"garbage": []byte{0xc1, 0x00},
	}
	bad, _ := msgpack.Marshal(&Packet{Kind: string(data.KindPointcloud3D), Frame: "f", XYZ: []float64{1, 2}})
	cases["ragged xyz"] = bad
	unknown, _ := msgpack.Marshal(&Packet{Kind: "sonar", Frame: "f"})
	cases["unknown kind"] = unknown
	noFrame, _ := msgpack.Marshal(&Packet{Kind: string(data.KindLaserScan2D)})
	cases["missing frame"] = noFrame

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(payload); !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}
