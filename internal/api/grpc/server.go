// Package grpcapi exposes client-streaming audio ingest over gRPC. Frames are
// raw PCM in google.protobuf.BytesValue messages; stream hints travel as
// request metadata and the reply is a google.protobuf.Struct summary.
package grpcapi

import (
	"context"
	"errors"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"radio-transcription-service/internal/observability/logging"
	"radio-transcription-service/internal/service/audio"
	"radio-transcription-service/internal/service/dispatch"
	"radio-transcription-service/internal/service/segment"
)

const (
	ServiceName      = "radio.ingest.v1.AudioIngest"
	StreamAudioName  = "StreamAudio"
	StreamAudioRoute = "/" + ServiceName + "/" + StreamAudioName
)

// Metadata keys read by StreamAudio.
const (
	MDStreamID       = "x-stream-id"
	MDSystem         = "x-system"
	MDTalkgroup      = "x-talkgroup"
	MDTalkgroupAlias = "x-talkgroup-alias"
	MDUnit           = "x-unit"
	MDUnitAlias      = "x-unit-alias"
	MDSampleRate     = "x-sample-rate"
)

// StreamAudioServer is the server side of one StreamAudio call.
type StreamAudioServer = grpc.ClientStreamingServer[wrapperspb.BytesValue, structpb.Struct]

// AudioIngestServer is the service implemented by Server.
type AudioIngestServer interface {
	StreamAudio(StreamAudioServer) error
}

var audioIngestDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AudioIngestServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    StreamAudioName,
			Handler:       streamAudioHandler,
			ClientStreams: true,
		},
	},
	Metadata: "radio/ingest/v1/ingest.proto",
}

func streamAudioHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AudioIngestServer).StreamAudio(&grpc.GenericServerStream[wrapperspb.BytesValue, structpb.Struct]{ServerStream: stream})
}

// Server feeds each stream into its own audio session.
type Server struct {
	ingestor      *audio.Ingestor
	format        segment.Format
	defaultSystem string
	logger        zerolog.Logger
}

// Register adds the ingest service to g.
func Register(g grpc.ServiceRegistrar, ingestor *audio.Ingestor, format segment.Format, defaultSystem string) *Server {
	s := &Server{
		ingestor:      ingestor,
		format:        format,
		defaultSystem: defaultSystem,
		logger:        logging.WithComponent("grpc"),
	}
	g.RegisterService(&audioIngestDesc, s)
	return s
}

// StreamAudio reads PCM frames until the client closes its side, then
// flushes the session and replies with what was submitted.
func (s *Server) StreamAudio(stream StreamAudioServer) error {
	streamID, generated, hints, err := s.parseMetadata(stream.Context())
	if err != nil {
		return err
	}

	// Segments cut before a client abort are still submitted.
	ctx := context.WithoutCancel(stream.Context())
	opts := []audio.SessionOption{audio.TrackSubmissions()}
	if generated {
		opts = append(opts, audio.ForgetOnClose())
	}
	session, err := s.ingestor.NewSession(ctx, streamID, hints, opts...)
	if err != nil {
		return status.Errorf(codes.Internal, "start session: %v", err)
	}

	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = session.Close()
			s.logger.Warn().Err(err).Str("streamId", streamID).Msg("Audio stream aborted")
			return err
		}
		if _, err := session.Write(frame.GetValue()); err != nil {
			return status.Errorf(codes.Internal, "write audio: %v", err)
		}
	}
	_ = session.Close()

	summary, err := summarize(session)
	if err != nil {
		return status.Errorf(codes.Internal, "build summary: %v", err)
	}
	return stream.SendAndClose(summary)
}

// parseMetadata also reports whether the stream id was generated here
// rather than supplied by the client.
func (s *Server) parseMetadata(ctx context.Context) (string, bool, dispatch.Hints, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	get := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}
	getInt := func(key string) (*int, error) {
		v := get(key)
		if v == "" {
			return nil, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%s: %q is not a number", key, v)
		}
		return &n, nil
	}
	getStr := func(key string) *string {
		if v := get(key); v != "" {
			return &v
		}
		return nil
	}

	hints := dispatch.Hints{
		SystemName:     get(MDSystem),
		TalkgroupAlias: getStr(MDTalkgroupAlias),
		UnitAlias:      getStr(MDUnitAlias),
	}
	if hints.SystemName == "" {
		hints.SystemName = s.defaultSystem
	}
	var err error
	if hints.TalkgroupNumber, err = getInt(MDTalkgroup); err != nil {
		return "", false, hints, err
	}
	if hints.UnitNumber, err = getInt(MDUnit); err != nil {
		return "", false, hints, err
	}
	rate, err := getInt(MDSampleRate)
	if err != nil {
		return "", false, hints, err
	}
	if rate != nil && *rate != s.format.SampleRate {
		return "", false, hints, status.Errorf(codes.InvalidArgument, "sample rate %d Hz not supported, send %d Hz", *rate, s.format.SampleRate)
	}

	if streamID := get(MDStreamID); streamID != "" {
		return streamID, false, hints, nil
	}
	return uuid.NewString(), true, hints, nil
}

func summarize(session *audio.Session) (*structpb.Struct, error) {
	st := session.Stats()
	ids := make([]any, 0, st.Submitted)
	keys := make([]any, 0, st.Submitted)
	for _, sub := range session.Submissions() {
		ids = append(ids, sub.RequestID)
		keys = append(keys, sub.SegmentID)
	}
	return structpb.NewStruct(map[string]any{
		"streamId":   session.StreamID(),
		"bytes":      st.Bytes,
		"segments":   st.Segments,
		"submitted":  st.Submitted,
		"rejected":   st.Rejected,
		"discarded":  st.Discarded,
		"requestIds": ids,
		"segmentIds": keys,
	})
}
