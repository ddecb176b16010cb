// Command audioclient streams a WAV recording to the gRPC ingest service in
// real time, the way a radio console feed would arrive.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	grpcapi "radio-transcription-service/internal/api/grpc"
	"radio-transcription-service/internal/service/audio/wav"
)

const chunkInterval = 100 * time.Millisecond

func main() {
	audioFile := flag.String("audio", "testdata/sample-8khz.wav", "Path to WAV file (16-bit PCM)")
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	streamID := flag.String("stream", "console-"+time.Now().Format("150405"), "Stream ID")
	system := flag.String("system", "", "Radio system name")
	talkgroup := flag.Int("talkgroup", -1, "Talkgroup number (-1 for none)")
	talkgroupAlias := flag.String("talkgroup-alias", "", "Talkgroup alias")
	unit := flag.Int("unit", -1, "Radio unit number (-1 for none)")
	realtime := flag.Bool("realtime", true, "Pace chunks at playback speed")
	flag.Parse()

	h, pcm, err := wav.ReadFile(*audioFile)
	if err != nil {
		log.Fatalf("Failed to read WAV file: %v", err)
	}
	log.Printf("WAV file: channels=%d sampleRate=%d bitsPerSample=%d duration=%v",
		h.Channels, h.SampleRate, h.BitsPerSample, h.Duration())

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	info := grpcapi.StreamInfo{
		StreamID:       *streamID,
		System:         *system,
		TalkgroupAlias: *talkgroupAlias,
		SampleRate:     h.SampleRate,
	}
	if *talkgroup >= 0 {
		info.Talkgroup = talkgroup
	}
	if *unit >= 0 {
		info.Unit = unit
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.Duration()+time.Minute)
	defer cancel()

	stream, err := grpcapi.NewClient(conn).StreamAudio(info.Outgoing(ctx))
	if err != nil {
		log.Fatalf("Failed to create stream: %v", err)
	}

	// One chunk per interval of audio.
	chunkSize := h.SampleRate * h.Channels * h.BitsPerSample / 8 * int(chunkInterval/time.Millisecond) / 1000
	if chunkSize <= 0 {
		log.Fatal("Invalid WAV format")
	}

	log.Printf("Streaming audio: streamId=%s to %s", *streamID, *serverAddr)
	start := time.Now()
	var chunks int
	for off := 0; off < len(pcm); off += chunkSize {
		end := min(off+chunkSize, len(pcm))
		if err := stream.Send(wrapperspb.Bytes(pcm[off:end])); err != nil {
			log.Fatalf("Failed to send chunk: %v", err)
		}
		chunks++
		if chunks%10 == 0 {
			log.Printf("Sent chunk %d (%d bytes total)", chunks, end)
		}
		if *realtime {
			time.Sleep(chunkInterval)
		}
	}
	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunks, len(pcm), time.Since(start))

	summary, err := stream.CloseAndRecv()
	if err != nil {
		log.Fatalf("Stream failed: %v", err)
	}
	fields := summary.GetFields()
	log.Printf("Stream completed: streamId=%s segments=%v submitted=%v rejected=%v",
		fields["streamId"].GetStringValue(),
		fields["segments"].GetNumberValue(),
		fields["submitted"].GetNumberValue(),
		fields["rejected"].GetNumberValue())
	for _, id := range fields["requestIds"].GetListValue().GetValues() {
		log.Printf("  request %s", id.GetStringValue())
	}
}
