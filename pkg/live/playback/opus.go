//go:build opus

package playback

import (
	"fmt"
	"sync"

	"github.com/hraban/opus"

	"github.com/vango-go/voicelink/pkg/live/protocol"
)

// OpusDecoder decodes single Opus packets with libopus.
type OpusDecoder struct {
	sampleRate int
	channels   int

	mu  sync.Mutex
	dec *opus.Decoder
}

func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 1
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &OpusDecoder{sampleRate: sampleRate, channels: channels, dec: dec}, nil
}

func (d *OpusDecoder) Decode(segment []byte) (PCM, error) {
	if len(segment) == 0 {
		return PCM{}, ErrEmptySegment
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	// 120ms is the longest Opus frame.
	samples := make([]int16, d.sampleRate*120/1000*d.channels)
	n, err := d.dec.Decode(segment, samples)
	if err != nil {
		return PCM{}, fmt.Errorf("opus decode: %w", err)
	}
	out := make([]byte, n*d.channels*2)
	for i := 0; i < n*d.channels; i++ {
		out[i*2] = byte(samples[i])
		out[i*2+1] = byte(samples[i] >> 8)
	}
	return PCM{
		Format: protocol.AudioFormat{Encoding: protocol.EncodingPCM16LE, SampleRateHz: d.sampleRate, Channels: d.channels},
		Data:   out,
	}, nil
}

// OpusAvailable reports whether this binary was built with libopus.
const OpusAvailable = true
