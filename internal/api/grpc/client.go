package grpcapi

import (
	"context"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// StreamAudioClient is the client side of one StreamAudio call.
type StreamAudioClient = grpc.ClientStreamingClient[wrapperspb.BytesValue, structpb.Struct]

// Client calls the ingest service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// StreamAudio opens an ingest stream. Attach hints with StreamInfo.Outgoing.
func (c *Client) StreamAudio(ctx context.Context, opts ...grpc.CallOption) (StreamAudioClient, error) {
	stream, err := c.cc.NewStream(ctx, &audioIngestDesc.Streams[0], StreamAudioRoute, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[wrapperspb.BytesValue, structpb.Struct]{ClientStream: stream}, nil
}

// StreamInfo describes a stream to the server.
type StreamInfo struct {
	StreamID       string
	System         string
	Talkgroup      *int
	TalkgroupAlias string
	Unit           *int
	UnitAlias      string
	SampleRate     int
}

// Outgoing returns ctx carrying the stream metadata.
func (i StreamInfo) Outgoing(ctx context.Context) context.Context {
	var kv []string
	add := func(k, v string) {
		if v != "" {
			kv = append(kv, k, v)
		}
	}
	add(MDStreamID, i.StreamID)
	add(MDSystem, i.System)
	add(MDTalkgroupAlias, i.TalkgroupAlias)
	add(MDUnitAlias, i.UnitAlias)
	if i.Talkgroup != nil {
		add(MDTalkgroup, strconv.Itoa(*i.Talkgroup))
	}
	if i.Unit != nil {
		add(MDUnit, strconv.Itoa(*i.Unit))
	}
	if i.SampleRate > 0 {
		add(MDSampleRate, strconv.Itoa(i.SampleRate))
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}
