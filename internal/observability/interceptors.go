// Package observability provides gRPC interceptors and the metrics HTTP
// server.
package observability

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"radio-transcription-service/internal/observability/metrics"
)

// streamIDKey is the metadata key ingest clients use to name their stream.
const streamIDKey = "x-stream-id"

// UnaryServerInterceptor logs unary calls such as health checks and
// reflection, turning handler panics into codes.Internal.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				err = recovered(info.FullMethod, r)
			}
			logCall(log.Debug(), info.FullMethod, err, time.Since(start)).Msg("gRPC unary call")
		}()
		return handler(ctx, req)
	}
}

// StreamServerInterceptor counts active ingest streams and logs each one
// when it ends. A panicking handler fails only its own stream.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		start := time.Now()
		m.RecordStreamStart()
		defer func() {
			if r := recover(); r != nil {
				err = recovered(info.FullMethod, r)
			}
			elapsed := time.Since(start)
			m.RecordStreamEnd(err == nil, elapsed.Seconds())

			ev := log.Info()
			if err != nil {
				ev = log.Warn()
			}
			logCall(ev, info.FullMethod, err, elapsed).
				Str("streamId", incomingStreamID(ss.Context())).
				Msg("gRPC stream completed")
		}()
		return handler(srv, ss)
	}
}

func recovered(method string, r any) error {
	log.Error().
		Str("method", method).
		Str("panic", fmt.Sprint(r)).
		Bytes("stack", debug.Stack()).
		Msg("gRPC handler panicked")
	return status.Error(codes.Internal, "internal error")
}

func logCall(ev *zerolog.Event, method string, err error, elapsed time.Duration) *zerolog.Event {
	return ev.Str("method", method).
		Str("code", status.Code(err).String()).
		Dur("duration", elapsed)
}

func incomingStreamID(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(streamIDKey); len(v) > 0 {
		return v[0]
	}
	return ""
}
