package playback

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vango-go/voicelink/pkg/live/protocol"
)

var (
	ErrEmptySegment       = errors.New("empty audio segment")
	ErrUnsupportedFormat  = errors.New("unsupported audio format")
	ErrOpusUnavailable    = errors.New("opus decoding not compiled in (build with -tags opus)")
	errTruncatedContainer = errors.New("truncated audio container")
)

// PCMDecoder treats segments as raw s16le audio in a fixed format.
type PCMDecoder struct {
	Format protocol.AudioFormat
}

func (d PCMDecoder) Decode(segment []byte) (PCM, error) {
	if len(segment) == 0 {
		return PCM{}, ErrEmptySegment
	}
	format := d.Format
	if format.SampleRateHz <= 0 {
		format = DefaultOutputFormat
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	frame := 2 * format.Channels
	n := len(segment) - len(segment)%frame
	if n == 0 {
		return PCM{}, fmt.Errorf("%w: %d bytes is shorter than one frame", ErrUnsupportedFormat, len(segment))
	}
	return PCM{Format: format, Data: segment[:n]}, nil
}

// DefaultOutputFormat is used for raw segments when no format is configured.
var DefaultOutputFormat = protocol.AudioFormat{
	Encoding:     protocol.EncodingPCM16LE,
	SampleRateHz: 16000,
	Channels:     1,
}

// WAVDecoder accepts RIFF/WAVE containers holding 16-bit PCM.
type WAVDecoder struct{}

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

func (WAVDecoder) Decode(segment []byte) (PCM, error) {
	if len(segment) == 0 {
		return PCM{}, ErrEmptySegment
	}
	if len(segment) < 12 || !bytes.Equal(segment[0:4], []byte("RIFF")) || !bytes.Equal(segment[8:12], []byte("WAVE")) {
		return PCM{}, fmt.Errorf("%w: not a RIFF/WAVE container", ErrUnsupportedFormat)
	}

	var (
		format  protocol.AudioFormat
		haveFmt bool
		bits    uint16
	)
	off := 12
	for off+8 <= len(segment) {
		id := string(segment[off : off+4])
		size := int(binary.LittleEndian.Uint32(segment[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(segment) {
			// Streaming encoders often write a placeholder data size.
			if id == "data" && haveFmt {
				end = len(segment)
			} else {
				return PCM{}, errTruncatedContainer
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return PCM{}, fmt.Errorf("%w: fmt chunk too small", ErrUnsupportedFormat)
			}
			tag := binary.LittleEndian.Uint16(segment[body : body+2])
			channels := binary.LittleEndian.Uint16(segment[body+2 : body+4])
			rate := binary.LittleEndian.Uint32(segment[body+4 : body+8])
			bits = binary.LittleEndian.Uint16(segment[body+14 : body+16])
			if tag != wavFormatPCM && tag != wavFormatExtensible {
				return PCM{}, fmt.Errorf("%w: wav format tag %d", ErrUnsupportedFormat, tag)
			}
			if bits != 16 {
				return PCM{}, fmt.Errorf("%w: %d-bit wav", ErrUnsupportedFormat, bits)
			}
			if channels == 0 || rate == 0 {
				return PCM{}, fmt.Errorf("%w: wav channels=%d rate=%d", ErrUnsupportedFormat, channels, rate)
			}
			format = protocol.AudioFormat{Encoding: protocol.EncodingPCM16LE, SampleRateHz: int(rate), Channels: int(channels)}
			haveFmt = true
		case "data":
			if !haveFmt {
				return PCM{}, fmt.Errorf("%w: data chunk before fmt", ErrUnsupportedFormat)
			}
			data := segment[body:end]
			frame := 2 * format.Channels
			data = data[:len(data)-len(data)%frame]
			if len(data) == 0 {
				return PCM{}, ErrEmptySegment
			}
			return PCM{Format: format, Data: data}, nil
		}

		off = end
		if size%2 == 1 {
			off++
		}
	}
	return PCM{}, errTruncatedContainer
}

// AutoDecoder sniffs the container. RIFF goes to WAV; other segments go to
// Opus when configured, else they are treated as raw PCM.
type AutoDecoder struct {
	PCM  PCMDecoder
	Opus Decoder
}

func (d AutoDecoder) Decode(segment []byte) (PCM, error) {
	if len(segment) == 0 {
		return PCM{}, ErrEmptySegment
	}
	switch {
	case bytes.HasPrefix(segment, []byte("RIFF")):
		return WAVDecoder{}.Decode(segment)
	case bytes.HasPrefix(segment, []byte("OggS")):
		return PCM{}, fmt.Errorf("%w: ogg container", ErrUnsupportedFormat)
	case bytes.HasPrefix(segment, []byte("ID3")):
		return PCM{}, fmt.Errorf("%w: mp3 stream", ErrUnsupportedFormat)
	}
	if d.Opus != nil {
		return d.Opus.Decode(segment)
	}
	return d.PCM.Decode(segment)
}

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte WAV header.
func EncodeWAV(pcm PCM) []byte {
	channels := pcm.Format.Channels
	if channels <= 0 {
		channels = 1
	}
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm.Data))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm.Data)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(pcm.Format.SampleRateHz))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(pcm.Format.SampleRateHz*channels*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm.Data)))
	buf.Write(pcm.Data)
	return buf.Bytes()
}
