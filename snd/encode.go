package snd

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

const maxOpusPacket = 4000

// Encoder turns 20 ms mono PCM frames into opus packets for the voice
// transport's send path.
type Encoder struct {
	enc *opus.Encoder
	buf []byte
}

func NewEncoder() (*Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &Encoder{
		enc: enc,
		buf: make([]byte, maxOpusPacket),
	}, nil
}

// Encode packs one mono frame. Short frames are padded with silence.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) < FrameSize {
		padded := make([]int16, FrameSize)
		copy(padded, pcm)
		pcm = padded
	}
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("encode opus frame: %w", err)
	}
	packet := make([]byte, n)
	copy(packet, e.buf[:n])
	return packet, nil
}
