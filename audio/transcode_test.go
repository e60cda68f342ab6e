package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"jarvis/tmp"
)

func newTestTranscoder(t *testing.T, run Runner) (*Transcoder, *tmp.Manager) {
	t.Helper()
	files, err := tmp.NewManager(
		t.TempDir(), log.New(io.Discard), tmp.WithSynchronousDelete(),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(files.Close)
	return NewTranscoder(files, log.New(io.Discard)).WithRunner(run), files
}

// fakeFFmpeg succeeds when the args contain every marker of an allowed
// step and records each invocation's args.
func fakeFFmpeg(calls *[][]string, failSteps ...string) Runner {
	return func(_ context.Context, name string, args ...string) error {
		*calls = append(*calls, args)
		joined := strings.Join(args, " ")
		for _, marker := range failSteps {
			if strings.Contains(joined, marker) {
				return errors.New("ffmpeg exited 1")
			}
		}
		return nil
	}
}

func TestConvertPlaybackSuccess(t *testing.T) {
	var calls [][]string
	tc, files := newTestTranscoder(t, fakeFFmpeg(&calls))

	in, _ := files.NewFile(".mp3")
	inPath := in.Path()

	out, err := tc.Convert(context.Background(), in, TargetPlayback)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if out == in {
		t.Fatal("expected a fresh output artifact")
	}
	if !strings.HasSuffix(out.Path(), ".wav") {
		t.Errorf("expected wav output, got %s", out.Path())
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 ffmpeg call, got %d", len(calls))
	}
	joined := strings.Join(calls[0], " ")
	if !strings.Contains(joined, "-ar 48000") || !strings.Contains(joined, "-ac 1") {
		t.Errorf("playback conversion args wrong: %s", joined)
	}
	// Ownership of the input transferred to Convert, which released it.
	if _, err := os.Stat(inPath); !os.IsNotExist(err) {
		t.Error("input file should be released after successful conversion")
	}
}

func TestConvertTranscribeFallsBackToWav(t *testing.T) {
	var calls [][]string
	tc, files := newTestTranscoder(t, fakeFFmpeg(&calls, "libmp3lame"))

	in, _ := files.NewFile(".ogg")
	out, err := tc.Convert(context.Background(), in, TargetTranscribe)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !strings.HasSuffix(out.Path(), ".wav") {
		t.Errorf("expected wav fallback output, got %s", out.Path())
	}
	if len(calls) != 2 {
		t.Fatalf("expected mp3 then wav attempts, got %d calls", len(calls))
	}
	joined := strings.Join(calls[1], " ")
	if !strings.Contains(joined, "-ar 16000") || !strings.Contains(joined, "pcm_s16le") {
		t.Errorf("wav fallback args wrong: %s", joined)
	}
}

func TestConvertReturnsOriginalWhenAllStepsFail(t *testing.T) {
	var calls [][]string
	tc, files := newTestTranscoder(t, fakeFFmpeg(&calls, "-y"))

	in, _ := files.NewFile(".mp3")
	out, err := tc.Convert(context.Background(), in, TargetTranscribe)
	if err != nil {
		t.Fatalf("degraded pass-through should not error, got %v", err)
	}
	if out != in {
		t.Error("expected the original artifact back")
	}
	if _, statErr := os.Stat(in.Path()); statErr != nil {
		t.Error("original file must survive the failed chain")
	}
}

func TestConvertShapedChainOrder(t *testing.T) {
	var calls [][]string
	tc, files := newTestTranscoder(t, fakeFFmpeg(&calls, "asetrate"))

	in, _ := files.NewFile(".mp3")
	out, err := tc.Convert(context.Background(), in, TargetPlaybackShaped)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if out == in {
		t.Fatal("plain playback fallback should have produced output")
	}
	if len(calls) != 2 {
		t.Fatalf("expected shaped then plain attempts, got %d", len(calls))
	}
	if !strings.Contains(strings.Join(calls[0], " "), "aecho") {
		t.Error("first attempt should carry the voice-shaping filters")
	}
	if strings.Contains(strings.Join(calls[1], " "), "-af") {
		t.Error("fallback attempt should not carry filters")
	}
}

func TestConvertMissingInput(t *testing.T) {
	tc, files := newTestTranscoder(t, fakeFFmpeg(&[][]string{}))

	ghost := files.Acquire(t.TempDir() + "/nope.mp3")
	_, err := tc.Convert(context.Background(), ghost, TargetPlayback)
	if !errors.Is(err, ErrTranscodeFailed) {
		t.Fatalf("expected ErrTranscodeFailed, got %v", err)
	}
}
