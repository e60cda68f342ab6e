package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jarvis/audio"
	"jarvis/retry"
	"jarvis/tmp"
	"jarvis/tts"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	errs  []error // consumed per call, nil entries succeed
	calls int
}

func (f *fakeTranscriber) Transcribe(
	_ context.Context, _, _ string,
) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.text, nil
}

type fakeGenerator struct {
	mu     sync.Mutex
	reply  string
	errs   []error
	calls  int
	styles []string
	block  chan struct{} // when set, Generate waits for it to close
}

func (f *fakeGenerator) Generate(
	_ context.Context, _, style string,
) (string, error) {
	f.mu.Lock()
	block := f.block
	f.calls++
	f.styles = append(f.styles, style)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}
	return f.reply, nil
}

type fakeSynth struct {
	err    error
	shaped bool
	calls  int
}

func (f *fakeSynth) Synthesize(
	_ context.Context, _ string, w io.Writer,
) (tts.Result, error) {
	f.calls++
	if f.err != nil {
		return tts.Result{}, f.err
	}
	io.WriteString(w, "audio-bytes")
	return tts.Result{Shaped: f.shaped}, nil
}

type fakeTranscoder struct {
	mu      sync.Mutex
	files   *tmp.Manager
	targets []audio.Target
	err     error
}

func (f *fakeTranscoder) Convert(
	_ context.Context, input *tmp.Artifact, target audio.Target,
) (*tmp.Artifact, error) {
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out, err := f.files.NewFile(".wav")
	if err != nil {
		return nil, err
	}
	input.Release()
	return out, nil
}

type fakeSink struct {
	mu     sync.Mutex
	played []*tmp.Artifact
	err    error
}

func (f *fakeSink) Play(_ context.Context, a *tmp.Artifact) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.played = append(f.played, a)
	f.mu.Unlock()
	return nil
}

type fixture struct {
	pipe        *Pipeline
	transcriber *fakeTranscriber
	generator   *fakeGenerator
	synth       *fakeSynth
	transcoder  *fakeTranscoder
	sink        *fakeSink
	files       *tmp.Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := log.New(io.Discard)
	files, err := tmp.NewManager(
		t.TempDir(), logger, tmp.WithSynchronousDelete(),
	)
	require.NoError(t, err)
	t.Cleanup(files.Close)

	policy := retry.New(3, logger).WithSleep(
		func(context.Context, time.Duration) error { return nil },
	)

	fx := &fixture{
		transcriber: &fakeTranscriber{text: "bonjour"},
		generator:   &fakeGenerator{reply: "salut, ravi de te parler ici !"},
		synth:       &fakeSynth{},
		transcoder:  &fakeTranscoder{files: files},
		sink:        &fakeSink{},
		files:       files,
	}
	fx.pipe = New(
		fx.transcriber, fx.generator, fx.synth, fx.transcoder,
		files, policy, cfg, logger,
	)
	return fx
}

func captureArtifact(t *testing.T, files *tmp.Manager) *tmp.Artifact {
	t.Helper()
	a, err := files.NewFile(".ogg")
	require.NoError(t, err)
	return a
}

func TestRunSuccess(t *testing.T) {
	fx := newFixture(t, Config{DefaultStyle: "be nice"})
	raw := captureArtifact(t, fx.files)

	job := fx.pipe.NewJob("speaker-1", raw)
	err := fx.pipe.Run(context.Background(), job, fx.sink)
	require.NoError(t, err)

	assert.Equal(t, "bonjour", job.Transcript)
	assert.Equal(t, "salut, ravi de te parler ici !", job.Reply)
	require.Len(t, fx.sink.played, 1)
	assert.Equal(t,
		[]audio.Target{audio.TargetTranscribe, audio.TargetPlayback},
		fx.transcoder.targets,
	)
	// The raw capture was consumed along the way.
	_, statErr := os.Stat(raw.Path())
	assert.True(t, os.IsNotExist(statErr), "capture audio should be released")
}

func TestRunEmptyTranscriptEndsQuietly(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.transcriber.text = "   "
	raw := captureArtifact(t, fx.files)

	job := fx.pipe.NewJob("speaker-1", raw)
	err := fx.pipe.Run(context.Background(), job, fx.sink)
	require.ErrorIs(t, err, ErrEmptyTranscript)

	assert.Zero(t, fx.generator.calls, "no generation after empty transcript")
	assert.Zero(t, fx.synth.calls)
	assert.Empty(t, fx.sink.played)
}

func TestRunStyleTable(t *testing.T) {
	fx := newFixture(t, Config{
		DefaultStyle: "default persona",
		Styles: map[string]string{
			"king": "answer with respect, like a king",
		},
	})

	job := fx.pipe.NewJob("king", captureArtifact(t, fx.files))
	require.NoError(t, fx.pipe.Run(context.Background(), job, fx.sink))
	require.Equal(t, []string{"answer with respect, like a king"}, fx.generator.styles)

	job = fx.pipe.NewJob("nobody", captureArtifact(t, fx.files))
	require.NoError(t, fx.pipe.Run(context.Background(), job, fx.sink))
	assert.Equal(t, "default persona", fx.generator.styles[1])
}

func TestRunRetriesRateLimitedGeneration(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.generator.errs = []error{
		&retry.RateLimitError{Err: errors.New("429")},
		&retry.RateLimitError{Err: errors.New("429")},
		nil,
	}

	job := fx.pipe.NewJob("speaker-1", captureArtifact(t, fx.files))
	err := fx.pipe.Run(context.Background(), job, fx.sink)
	require.NoError(t, err)
	assert.Equal(t, 3, fx.generator.calls)
	assert.Len(t, fx.sink.played, 1)
}

func TestRunSurfacesRateLimitExhaustion(t *testing.T) {
	fx := newFixture(t, Config{})
	rl := &retry.RateLimitError{Err: errors.New("429")}
	fx.transcriber.errs = []error{rl, rl, rl}

	job := fx.pipe.NewJob("speaker-1", captureArtifact(t, fx.files))
	err := fx.pipe.Run(context.Background(), job, fx.sink)
	require.ErrorIs(t, err, retry.ErrRateLimitExhausted)
	assert.Equal(t, 3, fx.transcriber.calls)
	assert.Empty(t, fx.sink.played)
}

func TestRunShapedSynthesisUsesShapedTarget(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.synth.shaped = true

	job := fx.pipe.NewJob("speaker-1", captureArtifact(t, fx.files))
	require.NoError(t, fx.pipe.Run(context.Background(), job, fx.sink))
	require.Len(t, fx.transcoder.targets, 2)
	assert.Equal(t, audio.TargetPlaybackShaped, fx.transcoder.targets[1])
}

func TestRunPresetJobSkipsUnderstandingStages(t *testing.T) {
	fx := newFixture(t, Config{})

	job := fx.pipe.NewPresetJob("self", "hello, I'm ready to chat!")
	require.NoError(t, fx.pipe.Run(context.Background(), job, fx.sink))

	assert.Zero(t, fx.transcriber.calls)
	assert.Zero(t, fx.generator.calls)
	assert.Equal(t, 1, fx.synth.calls)
	require.Len(t, fx.sink.played, 1)
}

func TestRunAdmissionCap(t *testing.T) {
	fx := newFixture(t, Config{MaxConcurrent: 1})
	fx.generator.block = make(chan struct{})

	first := fx.pipe.NewJob("a", captureArtifact(t, fx.files))
	done := make(chan error, 1)
	go func() {
		done <- fx.pipe.Run(context.Background(), first, fx.sink)
	}()

	// Wait for the first job to reach the blocked generator.
	require.Eventually(t, func() bool {
		fx.generator.mu.Lock()
		defer fx.generator.mu.Unlock()
		return fx.generator.calls == 1
	}, time.Second, 5*time.Millisecond)

	second := fx.pipe.NewJob("b", captureArtifact(t, fx.files))
	err := fx.pipe.Run(context.Background(), second, fx.sink)
	require.ErrorIs(t, err, ErrBusy)

	close(fx.generator.block)
	require.NoError(t, <-done)
}
