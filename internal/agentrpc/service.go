// ABOUTME: gRPC service definition for the agent channel
// ABOUTME: One bidirectional stream per agent carrying frames as protobuf Structs

package agentrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/switchboard/internal/conn"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "switchboard.AgentChannel"

// connectMethod is the full method name of the stream.
const connectMethod = "/" + ServiceName + "/Connect"

// AgentChannelServer is implemented by the agent channel service.
type AgentChannelServer interface {
	Connect(grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentChannelServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "switchboard/agent_channel",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentChannelServer).Connect(stream)
}

// RegisterAgentChannelServer registers srv on s.
func RegisterAgentChannelServer(s grpc.ServiceRegistrar, srv AgentChannelServer) {
	s.RegisterService(&serviceDesc, srv)
}

// encodeFrame converts a frame to its wire message.
func encodeFrame(f conn.Frame) (*structpb.Struct, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return msg, nil
}

// decodeFrame converts a wire message to a frame.
func decodeFrame(msg *structpb.Struct) (conn.Frame, error) {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return conn.Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	var f conn.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return conn.Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}

// Stream is the agent side of the channel.
type Stream struct {
	cs grpc.ClientStream
}

// Connect opens the agent channel on cc. The bearer token travels in the
// "authorization" metadata of ctx.
func Connect(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (*Stream, error) {
	cs, err := cc.NewStream(ctx, &serviceDesc.Streams[0], connectMethod, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening agent channel: %w", err)
	}
	return &Stream{cs: cs}, nil
}

// Send writes a frame to the gateway.
func (s *Stream) Send(f conn.Frame) error {
	msg, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return s.cs.SendMsg(msg)
}

// Recv reads the next frame from the gateway.
func (s *Stream) Recv() (conn.Frame, error) {
	msg := &structpb.Struct{}
	if err := s.cs.RecvMsg(msg); err != nil {
		return conn.Frame{}, err
	}
	return decodeFrame(msg)
}

// CloseSend ends the agent's side of the stream.
func (s *Stream) CloseSend() error {
	return s.cs.CloseSend()
}
