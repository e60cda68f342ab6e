// Package audio converts the pipeline's intermediate files between the
// formats the collaborators require: 16 kHz mono for transcription, 48 kHz
// mono for voice-channel playback. Conversion shells out to ffmpeg and
// degrades through a fallback chain instead of failing hard.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/charmbracelet/log"

	"jarvis/tmp"
)

// ErrTranscodeFailed means not even the pass-through fallback was possible.
var ErrTranscodeFailed = errors.New("transcode failed")

// Target selects the conversion chain.
type Target int

const (
	// TargetPlayback is what the voice transport wants: wav, 48 kHz, mono.
	TargetPlayback Target = iota
	// TargetPlaybackShaped is TargetPlayback plus the degraded-voice filter
	// chain (pitched down, slowed, light echo) applied to fallback TTS
	// output to approximate the configured voice character.
	TargetPlaybackShaped
	// TargetTranscribe is what the transcription service prefers: mp3,
	// 16 kHz, mono, 64 kbps.
	TargetTranscribe
)

func (t Target) String() string {
	switch t {
	case TargetPlayback:
		return "playback"
	case TargetPlaybackShaped:
		return "playback-shaped"
	case TargetTranscribe:
		return "transcribe"
	}
	return "unknown"
}

// shapeFilters makes a voice deeper and slower with a touch of echo.
const shapeFilters = "asetrate=48000*0.6,aresample=48000,atempo=0.9,aecho=0.8:0.88:60:0.4"

// Runner executes one external conversion command.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}

type step struct {
	name string
	ext  string
	args func(in, out string) []string
}

type Transcoder struct {
	files *tmp.Manager
	run   Runner
	log   *log.Logger
}

func NewTranscoder(files *tmp.Manager, logger *log.Logger) *Transcoder {
	return &Transcoder{
		files: files,
		run:   execRunner,
		log:   logger,
	}
}

// WithRunner substitutes the command runner, for tests.
func (t *Transcoder) WithRunner(run Runner) *Transcoder {
	t.run = run
	return t
}

// Convert produces an artifact in the target format. On success, ownership
// of the input transfers to Convert, which releases it; the caller owns the
// returned artifact. When every chain step fails the original input is
// returned unconverted (a logged degradation) and the caller keeps its
// ownership. ErrTranscodeFailed is returned only when the input itself is
// unusable.
func (t *Transcoder) Convert(
	ctx context.Context,
	input *tmp.Artifact,
	target Target,
) (*tmp.Artifact, error) {
	if _, err := os.Stat(input.Path()); err != nil {
		return nil, fmt.Errorf("%w: input %s: %w",
			ErrTranscodeFailed, input.Path(), err)
	}

	for _, s := range chain(target) {
		out, err := t.files.NewFile(s.ext)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
		}
		err = t.run(ctx, "ffmpeg", s.args(input.Path(), out.Path())...)
		if err == nil {
			input.Release()
			return out, nil
		}
		out.Release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.log.Warn("conversion step failed, falling back",
			"target", target, "step", s.name, "error", err)
	}

	// Last resort: hand back the original file unconverted.
	t.log.Warn("all conversion steps failed, using original audio",
		"target", target, "path", input.Path())
	return input, nil
}

func chain(target Target) []step {
	switch target {
	case TargetTranscribe:
		return []step{
			{name: "mp3-16k", ext: ".mp3", args: func(in, out string) []string {
				return []string{
					"-y", "-i", in,
					"-ar", "16000", "-ac", "1",
					"-acodec", "libmp3lame", "-b:a", "64k",
					out,
				}
			}},
			{name: "wav-16k", ext: ".wav", args: func(in, out string) []string {
				return []string{
					"-y", "-i", in,
					"-ar", "16000", "-ac", "1",
					"-acodec", "pcm_s16le",
					out,
				}
			}},
		}
	case TargetPlaybackShaped:
		return append([]step{
			{name: "wav-48k-shaped", ext: ".wav", args: func(in, out string) []string {
				return []string{
					"-y", "-i", in,
					"-ar", "48000", "-ac", "1",
					"-acodec", "pcm_s16le",
					"-af", shapeFilters,
					out,
				}
			}},
		}, chain(TargetPlayback)...)
	default:
		return []step{
			{name: "wav-48k", ext: ".wav", args: func(in, out string) []string {
				return []string{
					"-y", "-i", in,
					"-ar", "48000", "-ac", "1",
					"-acodec", "pcm_s16le",
					out,
				}
			}},
		}
	}
}
