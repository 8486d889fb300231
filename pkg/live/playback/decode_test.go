package playback

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/vango-go/voicelink/pkg/live/protocol"
)

func TestWAVDecoder_RoundTripsEncodeWAV(t *testing.T) {
	in := PCM{
		Format: protocol.AudioFormat{Encoding: protocol.EncodingPCM16LE, SampleRateHz: 24000, Channels: 1},
		Data:   []byte{1, 2, 3, 4, 5, 6},
	}
	out, err := WAVDecoder{}.Decode(EncodeWAV(in))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if out.Format.SampleRateHz != 24000 || out.Format.Channels != 1 {
		t.Fatalf("format = %+v", out.Format)
	}
	if string(out.Data) != string(in.Data) {
		t.Fatalf("data = %v, want %v", out.Data, in.Data)
	}
}

func TestWAVDecoder_SkipsExtraChunks(t *testing.T) {
	wav := EncodeWAV(PCM{Format: protocol.AudioFormat{SampleRateHz: 8000, Channels: 1}, Data: []byte{9, 9}})
	// Insert a LIST chunk with an odd size (padded) between fmt and data.
	list := []byte("LIST")
	list = binary.LittleEndian.AppendUint32(list, 3)
	list = append(list, 'a', 'b', 'c', 0)
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	out, err := WAVDecoder{}.Decode(withList)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if string(out.Data) != string([]byte{9, 9}) {
		t.Fatalf("data = %v", out.Data)
	}
}

func TestWAVDecoder_StreamingPlaceholderSize(t *testing.T) {
	wav := EncodeWAV(PCM{Format: protocol.AudioFormat{SampleRateHz: 16000, Channels: 1}, Data: []byte{1, 0, 2, 0}})
	binary.LittleEndian.PutUint32(wav[40:44], 0xFFFFFFFF)
	out, err := WAVDecoder{}.Decode(wav)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(out.Data) != 4 {
		t.Fatalf("data len = %d, want 4", len(out.Data))
	}
}

func TestWAVDecoder_Rejects(t *testing.T) {
	eightBit := EncodeWAV(PCM{Format: protocol.AudioFormat{SampleRateHz: 8000, Channels: 1}, Data: []byte{1, 2}})
	binary.LittleEndian.PutUint16(eightBit[34:36], 8)

	cases := map[string][]byte{
		"empty":     nil,
		"not riff":  []byte("NOPE0000WAVE"),
		"8-bit":     eightBit,
		"truncated": []byte("RIFF\x00\x00\x00\x00WAVEfmt \x10\x00\x00\x00"),
	}
	for name, in := range cases {
		if _, err := (WAVDecoder{}).Decode(in); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestPCMDecoder(t *testing.T) {
	d := PCMDecoder{Format: protocol.AudioFormat{SampleRateHz: 24000, Channels: 1}}
	out, err := d.Decode([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(out.Data) != 2 {
		t.Fatalf("odd trailing byte kept: %v", out.Data)
	}
	if _, err := d.Decode([]byte{1}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("short segment err = %v", err)
	}
	if _, err := d.Decode(nil); !errors.Is(err, ErrEmptySegment) {
		t.Fatalf("empty segment err = %v", err)
	}
	out, _ = PCMDecoder{}.Decode([]byte{0, 0})
	if out.Format != DefaultOutputFormat {
		t.Fatalf("default format = %+v", out.Format)
	}
}

func TestAutoDecoder_Sniffs(t *testing.T) {
	d := AutoDecoder{PCM: PCMDecoder{Format: protocol.AudioFormat{SampleRateHz: 16000, Channels: 1}}}

	wav := EncodeWAV(PCM{Format: protocol.AudioFormat{SampleRateHz: 44100, Channels: 2}, Data: make([]byte, 8)})
	out, err := d.Decode(wav)
	if err != nil || out.Format.SampleRateHz != 44100 || out.Format.Channels != 2 {
		t.Fatalf("wav => %+v, %v", out.Format, err)
	}

	out, err = d.Decode([]byte{1, 2, 3, 4})
	if err != nil || out.Format.SampleRateHz != 16000 {
		t.Fatalf("raw => %+v, %v", out.Format, err)
	}

	if _, err := d.Decode([]byte("OggS\x00\x02")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("ogg err = %v", err)
	}
}

func TestOpusStubOrDecoder(t *testing.T) {
	dec, err := NewOpusDecoder(48000, 1)
	if !OpusAvailable {
		if !errors.Is(err, ErrOpusUnavailable) {
			t.Fatalf("err = %v, want ErrOpusUnavailable", err)
		}
		return
	}
	if err != nil {
		t.Fatalf("NewOpusDecoder: %v", err)
	}
	if _, err := dec.Decode(nil); !errors.Is(err, ErrEmptySegment) {
		t.Fatalf("empty err = %v", err)
	}
}

func TestDurationAndSineTone(t *testing.T) {
	tone := SineTone(440, 24000, 200*time.Millisecond, 0.2)
	if got, want := len(tone.Data), 24000*2/5; got != want {
		t.Fatalf("tone bytes = %d, want %d", got, want)
	}
	if got := Duration(tone); got != 200*time.Millisecond {
		t.Fatalf("Duration = %v, want 200ms", got)
	}
	if len(SineTone(0, 24000, time.Second, 0.2).Data) != 0 {
		t.Fatal("zero frequency should produce no audio")
	}
}

func TestNullSpeakerRealtimeHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NullSpeaker{Realtime: true}.Play(ctx, SineTone(440, 16000, time.Second, 0.2))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if err := (NullSpeaker{}).Play(context.Background(), SineTone(440, 16000, time.Second, 0.2)); err != nil {
		t.Fatalf("non-realtime Play err = %v", err)
	}
}
