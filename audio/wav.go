package audio

import (
	"encoding/binary"
	"fmt"
	"os"
)

// WavData is decoded pcm_s16le audio from a RIFF container.
type WavData struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// ReadWav parses a pcm_s16le wav file, the only format the transcoder's
// playback target emits.
func ReadWav(path string) (*WavData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, fmt.Errorf("read wav %s: not a RIFF/WAVE file", path)
	}

	var (
		sampleRate int
		channels   int
		format     uint16
		data       []byte
	)

	// Walk the chunk list for fmt and data.
	for off := 12; off+8 <= len(raw); {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := off + 8
		if body+size > len(raw) {
			size = len(raw) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("read wav %s: short fmt chunk", path)
			}
			format = binary.LittleEndian.Uint16(raw[body : body+2])
			channels = int(binary.LittleEndian.Uint16(raw[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(raw[body+4 : body+8]))
		case "data":
			data = raw[body : body+size]
		}
		// Chunks are word-aligned.
		off = body + size + size%2
	}

	if format != 1 {
		return nil, fmt.Errorf("read wav %s: unsupported format %d", path, format)
	}
	if channels == 0 || data == nil {
		return nil, fmt.Errorf("read wav %s: missing fmt or data chunk", path)
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i : 2*i+2]))
	}
	return &WavData{
		SampleRate: sampleRate,
		Channels:   channels,
		Samples:    samples,
	}, nil
}

// MonoFrames slices samples into fixed-size mono frames, downmixing stereo
// and padding the final frame with silence.
func (w *WavData) MonoFrames(frameSize int) [][]int16 {
	mono := w.Samples
	if w.Channels == 2 {
		mono = make([]int16, len(w.Samples)/2)
		for i := range mono {
			l := int32(w.Samples[2*i])
			r := int32(w.Samples[2*i+1])
			mono[i] = int16((l + r) / 2)
		}
	}

	var frames [][]int16
	for start := 0; start < len(mono); start += frameSize {
		end := start + frameSize
		if end > len(mono) {
			frame := make([]int16, frameSize)
			copy(frame, mono[start:])
			frames = append(frames, frame)
			break
		}
		frames = append(frames, mono[start:end])
	}
	return frames
}
