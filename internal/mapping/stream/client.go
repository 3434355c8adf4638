package stream

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Subscription receives frames from a Subscribe call.
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens a subscription on cc.
func Subscribe(ctx context.Context, cc grpc.ClientConnInterface, req Request) (*Subscription, error) {
	st, err := cc.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, err
	}
	if err := st.SendMsg(req.proto()); err != nil {
		return nil, err
	}
	if err := st.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: st}, nil
}

// Recv blocks for the next frame. It returns io.EOF when the server ends
// the stream.
func (s *Subscription) Recv() (Frame, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	return DecodeFrame(msg)
}

// Latest fetches the most recent snapshot published by mapperName.
func Latest(ctx context.Context, cc grpc.ClientConnInterface, mapperName string) (Frame, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, latestMethod, wrapperspb.String(mapperName), out); err != nil {
		return Frame{}, err
	}
	return DecodeFrame(out)
}
