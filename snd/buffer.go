// Package snd holds the opus frame plumbing between the voice transport
// and the rest of the engine: an append-only capture buffer that can be
// flushed to an ogg container, with silent packets inserted for gaps in
// the incoming stream.
package snd

import (
	"fmt"
	"io"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

const (
	SampleRate        = 48000
	Channels          = 2
	FrameSize         = 960 // samples per 20 ms opus frame
	OpusFrameDuration = 20 * time.Millisecond
)

// silentOpusFrame is the canonical opus "silence" payload.
var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

// Frame is one opus packet as delivered by the transport.
type Frame struct {
	Sequence  uint16
	Timestamp uint32 // sample index at 48 kHz
	Opus      []byte
}

// PacketWriter is the subset of the ogg container writer the buffer needs.
type PacketWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Buffer accumulates the frames of one utterance. Append-only while the
// capture session is open; flushed exactly once on finalize. Not safe for
// concurrent use — the owning capture session serializes access.
type Buffer struct {
	frames []Frame
	start  time.Time
}

func NewBuffer(start time.Time) *Buffer {
	return &Buffer{start: start}
}

func (b *Buffer) Append(f Frame) {
	b.frames = append(b.frames, f)
}

func (b *Buffer) Len() int { return len(b.frames) }

func (b *Buffer) Start() time.Time { return b.start }

// Duration is the nominal speech length: one opus frame is 20 ms.
func (b *Buffer) Duration() time.Duration {
	return time.Duration(len(b.frames)) * OpusFrameDuration
}

// WriteOgg flushes the buffered frames into an ogg opus container.
func (b *Buffer) WriteOgg(w io.Writer) error {
	ogg, err := oggwriter.NewWith(w, SampleRate, Channels)
	if err != nil {
		return fmt.Errorf("create ogg writer: %w", err)
	}
	if err := b.writePackets(ogg); err != nil {
		ogg.Close()
		return err
	}
	return ogg.Close()
}

func (b *Buffer) writePackets(pw PacketWriter) error {
	var lastTimestamp uint32
	for i, f := range b.frames {
		if i > 0 {
			gap := int64(f.Timestamp) - int64(lastTimestamp)
			if gap > FrameSize {
				if err := insertSilence(pw, lastTimestamp, gap); err != nil {
					return err
				}
			}
		}
		if err := pw.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: f.Sequence,
				Timestamp:      f.Timestamp,
			},
			Payload: f.Opus,
		}); err != nil {
			return fmt.Errorf("write opus packet: %w", err)
		}
		lastTimestamp = f.Timestamp
	}
	return nil
}

func insertSilence(pw PacketWriter, from uint32, gap int64) error {
	for j := int64(1); j <= gap/FrameSize-1; j++ {
		if err := pw.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:   2,
				Timestamp: from + uint32(j*FrameSize),
			},
			Payload: silentOpusFrame,
		}); err != nil {
			return fmt.Errorf("write silence packet: %w", err)
		}
	}
	return nil
}
