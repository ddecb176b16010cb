package grpcapi

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"radio-transcription-service/internal/service/audio"
	"radio-transcription-service/internal/service/dispatch"
	"radio-transcription-service/internal/service/segment"
)

var testFormat = segment.Format{SampleRate: 8000, Channels: 1, BitsPerSample: 16}

func tone(d time.Duration) []byte {
	frames := testFormat.Frames(d)
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		v := int16(16000)
		if i%2 == 1 {
			v = -16000
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func silence(d time.Duration) []byte {
	return make([]byte, testFormat.Frames(d)*2)
}

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []dispatch.Job
}

func (f *fakeSubmitter) Submit(_ context.Context, job dispatch.Job) (*dispatch.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return &dispatch.Request{ID: "req-" + job.Key, Job: job}, nil
}

func (f *fakeSubmitter) Jobs() []dispatch.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Job(nil), f.jobs...)
}

func startServer(t *testing.T, sub *fakeSubmitter) *Client {
	t.Helper()
	in := audio.NewIngestor(audio.Config{
		Segmenter: segment.Config{
			Format:           testFormat,
			MinDuration:      time.Second,
			MinSilence:       500 * time.Millisecond,
			SilenceThreshold: -40,
			Step:             time.Millisecond,
		},
	}, sub, nil)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, in, testFormat, "default")
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func TestStreamAudio_SubmitsSegments(t *testing.T) {
	sub := &fakeSubmitter{}
	client := startServer(t, sub)

	tg, unit := 100, 7
	ctx := StreamInfo{
		StreamID:       "console-1",
		System:         "metro",
		Talkgroup:      &tg,
		TalkgroupAlias: "Fire Dispatch",
		Unit:           &unit,
		SampleRate:     8000,
	}.Outgoing(context.Background())

	stream, err := client.StreamAudio(ctx)
	if err != nil {
		t.Fatalf("StreamAudio: %v", err)
	}
	audioData := bytes.Join([][]byte{tone(1500 * time.Millisecond), silence(700 * time.Millisecond), tone(300 * time.Millisecond)}, nil)
	for off := 0; off < len(audioData); off += 1600 {
		end := min(off+1600, len(audioData))
		if err := stream.Send(wrapperspb.Bytes(audioData[off:end])); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	summary, err := stream.CloseAndRecv()
	if err != nil {
		t.Fatalf("CloseAndRecv: %v", err)
	}

	fields := summary.GetFields()
	if got := fields["streamId"].GetStringValue(); got != "console-1" {
		t.Errorf("expected streamId console-1, got %q", got)
	}
	if got := fields["submitted"].GetNumberValue(); got != 2 {
		t.Errorf("expected 2 submitted, got %v", got)
	}
	if got := fields["bytes"].GetNumberValue(); got != float64(len(audioData)) {
		t.Errorf("expected %d bytes, got %v", len(audioData), got)
	}
	if ids := fields["segmentIds"].GetListValue().GetValues(); len(ids) != 2 || ids[0].GetStringValue() != "console-1-seg-1" {
		t.Errorf("unexpected segment ids %v", ids)
	}

	jobs := sub.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	h := jobs[0].Hints
	if h.SystemName != "metro" || *h.TalkgroupNumber != 100 || *h.TalkgroupAlias != "Fire Dispatch" || *h.UnitNumber != 7 || h.UnitAlias != nil {
		t.Errorf("unexpected hints %+v", h)
	}
}

func TestStreamAudio_DefaultsAndErrors(t *testing.T) {
	sub := &fakeSubmitter{}
	client := startServer(t, sub)

	t.Run("defaults", func(t *testing.T) {
		stream, err := client.StreamAudio(context.Background())
		if err != nil {
			t.Fatalf("StreamAudio: %v", err)
		}
		if err := stream.Send(wrapperspb.Bytes(tone(300 * time.Millisecond))); err != nil {
			t.Fatalf("Send: %v", err)
		}
		summary, err := stream.CloseAndRecv()
		if err != nil {
			t.Fatalf("CloseAndRecv: %v", err)
		}
		if summary.GetFields()["streamId"].GetStringValue() == "" {
			t.Error("expected a generated stream id")
		}
		jobs := sub.Jobs()
		if len(jobs) != 1 || jobs[0].Hints.SystemName != "default" {
			t.Errorf("expected one job on the default system, got %+v", jobs)
		}
	})

	tests := []struct {
		name string
		ctx  context.Context
	}{
		{"wrong sample rate", StreamInfo{SampleRate: 16000}.Outgoing(context.Background())},
		{"bad talkgroup", metadata.AppendToOutgoingContext(context.Background(), MDTalkgroup, "tg-one")},
		{"bad unit", metadata.AppendToOutgoingContext(context.Background(), MDUnit, "7a")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream, err := client.StreamAudio(tt.ctx)
			if err != nil {
				t.Fatalf("StreamAudio: %v", err)
			}
			if _, err := stream.CloseAndRecv(); status.Code(err) != codes.InvalidArgument {
				t.Errorf("expected InvalidArgument, got %v", err)
			}
		})
	}
}
