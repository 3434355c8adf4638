// Package stream publishes map snapshots over gRPC. The service is
// described by hand with protobuf well-known types as messages, so it needs
// no generated code:
//
//	service mapping.MapStream {
//	  rpc Subscribe(google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	  rpc Latest(google.protobuf.StringValue) returns (google.protobuf.Struct);
//	}
package stream

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/mapping/internal/mapping/maps"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mapping.MapStream"

const (
	subscribeMethod = "/" + ServiceName + "/Subscribe"
	latestMethod    = "/" + ServiceName + "/Latest"
)

type mapStreamServer interface {
	subscribe(req *structpb.Struct, stream grpc.ServerStream) error
	latest(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*mapStreamServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Latest",
		Handler:    latestHandler,
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "mapping/map_stream.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(mapStreamServer).subscribe(req, stream)
}

func latestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(mapStreamServer).latest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: latestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(mapStreamServer).latest(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Request selects what a subscription receives.
type Request struct {
	// Mapper limits the stream to one mapper; empty receives every mapper.
	Mapper string
	// Points includes the occupied cells in every frame.
	Points bool
}

func (r Request) proto() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"mapper": structpb.NewStringValue(r.Mapper),
		"points": structpb.NewBoolValue(r.Points),
	}}
}

func requestFromProto(s *structpb.Struct) Request {
	return Request{
		Mapper: s.GetFields()["mapper"].GetStringValue(),
		Points: s.GetFields()["points"].GetBoolValue(),
	}
}

// Frame is one published snapshot as seen by a client.
type Frame struct {
	Mapper     string
	Variant    string
	MapFrame   string
	Version    uint64
	Stamp      time.Time
	CellCount  int
	Resolution float64
	Points     []maps.CellPoint
}

func encodeFrame(mapperName string, snap *maps.Snapshot, stamp time.Time, points bool) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"mapper":     structpb.NewStringValue(mapperName),
		"variant":    structpb.NewStringValue(snap.Variant().String()),
		"frame":      structpb.NewStringValue(snap.Frame()),
		"version":    structpb.NewNumberValue(float64(snap.Version())),
		"stamp":      structpb.NewStringValue(stamp.UTC().Format(time.RFC3339Nano)),
		"cell_count": structpb.NewNumberValue(float64(snap.CellCount())),
		"resolution": structpb.NewNumberValue(snap.Resolution()),
	}
	if points {
		pts := maps.Points(snap)
		vals := make([]*structpb.Value, len(pts))
		for i, p := range pts {
			vals[i] = structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
				structpb.NewNumberValue(p.Position.X),
				structpb.NewNumberValue(p.Position.Y),
				structpb.NewNumberValue(p.Position.Z),
				structpb.NewNumberValue(p.Value),
			}})
		}
		fields["points"] = structpb.NewListValue(&structpb.ListValue{Values: vals})
	}
	return &structpb.Struct{Fields: fields}
}

// DecodeFrame converts a streamed message back into a Frame.
func DecodeFrame(s *structpb.Struct) (Frame, error) {
	f := s.GetFields()
	stamp, err := time.Parse(time.RFC3339Nano, f["stamp"].GetStringValue())
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame stamp: %w", err)
	}
	out := Frame{
		Mapper:     f["mapper"].GetStringValue(),
		Variant:    f["variant"].GetStringValue(),
		MapFrame:   f["frame"].GetStringValue(),
		Version:    uint64(f["version"].GetNumberValue()),
		Stamp:      stamp,
		CellCount:  int(f["cell_count"].GetNumberValue()),
		Resolution: f["resolution"].GetNumberValue(),
	}
	for _, v := range f["points"].GetListValue().GetValues() {
		xyzv := v.GetListValue().GetValues()
		if len(xyzv) != 4 {
			return Frame{}, fmt.Errorf("decode frame: point has %d components", len(xyzv))
		}
		var p maps.CellPoint
		p.Position.X = xyzv[0].GetNumberValue()
		p.Position.Y = xyzv[1].GetNumberValue()
		p.Position.Z = xyzv[2].GetNumberValue()
		p.Value = xyzv[3].GetNumberValue()
		out.Points = append(out.Points, p)
	}
	return out, nil
}
