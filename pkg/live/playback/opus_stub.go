//go:build !opus

package playback

// OpusDecoder is unavailable without the opus build tag.
type OpusDecoder struct{}

func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	return nil, ErrOpusUnavailable
}

func (d *OpusDecoder) Decode(segment []byte) (PCM, error) {
	return PCM{}, ErrOpusUnavailable
}

const OpusAvailable = false
