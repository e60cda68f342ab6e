// Package pipeline drives one utterance through transcribe → generate →
// synthesize → transcode and hands the reply audio to the playback sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"jarvis/audio"
	"jarvis/etc"
	"jarvis/retry"
	"jarvis/stt"
	"jarvis/tmp"
	"jarvis/tts"
)

// ErrEmptyTranscript means the speech service heard nothing worth a reply.
// A normal end of the job, not a failure.
var ErrEmptyTranscript = errors.New("empty transcript")

// ErrBusy means the per-guild cap on concurrent jobs was hit.
var ErrBusy = errors.New("too many replies in flight, try again shortly")

const DefaultMaxConcurrent = 4

// PlaybackSink receives the finished reply audio. The sink takes ownership
// of the artifact.
type PlaybackSink interface {
	Play(ctx context.Context, artifact *tmp.Artifact) error
}

// Transcoder is the slice of audio.Transcoder the pipeline needs.
type Transcoder interface {
	Convert(ctx context.Context, input *tmp.Artifact, target audio.Target) (*tmp.Artifact, error)
}

// Generator matches llm.Generator; declared here so tests can fake it
// without importing the OpenAI client.
type Generator interface {
	Generate(ctx context.Context, prompt, styleDirective string) (string, error)
}

type Config struct {
	LanguageHint  string
	DefaultStyle  string
	Styles        map[string]string // speakerID → style directive
	MaxConcurrent int64
}

// Job is the unit of work. Fields are written exactly once, by the stage
// that produces them; the job is owned by a single goroutine throughout.
type Job struct {
	ID        string
	SpeakerID string

	// Audio is the captured utterance; nil for preset-reply jobs such as
	// the session greeting.
	Audio      *tmp.Artifact
	Transcript string
	Reply      string
	ReplyAudio *tmp.Artifact
	shaped     bool
}

type Pipeline struct {
	transcriber stt.Transcriber
	generator   Generator
	synthesizer tts.Synthesizer
	transcoder  Transcoder
	files       *tmp.Manager
	retry       *retry.Policy
	sem         *semaphore.Weighted
	cfg         Config
	log         *log.Logger
}

func New(
	transcriber stt.Transcriber,
	generator Generator,
	synthesizer tts.Synthesizer,
	transcoder Transcoder,
	files *tmp.Manager,
	policy *retry.Policy,
	cfg Config,
	logger *log.Logger,
) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Pipeline{
		transcriber: transcriber,
		generator:   generator,
		synthesizer: synthesizer,
		transcoder:  transcoder,
		files:       files,
		retry:       policy,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:         cfg,
		log:         logger,
	}
}

// NewJob starts a job from a captured utterance. The pipeline takes
// ownership of the audio artifact.
func (p *Pipeline) NewJob(speakerID string, rawAudio *tmp.Artifact) *Job {
	return &Job{
		ID:        etc.NewFreshID(),
		SpeakerID: speakerID,
		Audio:     rawAudio,
	}
}

// NewPresetJob starts a job whose reply text is already known, skipping
// the transcription and generation stages. Used for the session greeting
// and the speak command.
func (p *Pipeline) NewPresetJob(speakerID, reply string) *Job {
	return &Job{
		ID:        etc.NewFreshID(),
		SpeakerID: speakerID,
		Reply:     reply,
	}
}

func (p *Pipeline) styleFor(speakerID string) string {
	if style, ok := p.cfg.Styles[speakerID]; ok {
		return style
	}
	return p.cfg.DefaultStyle
}

// Run executes the job to completion and hands the reply audio to sink.
// Exactly one of three things happens: the job ends quietly with
// ErrEmptyTranscript, succeeds with the reply enqueued for playback, or
// fails with a reported error. Failures never affect the voice session
// itself. Every artifact the job produced is released on every path that
// doesn't hand it off.
func (p *Pipeline) Run(ctx context.Context, job *Job, sink PlaybackSink) error {
	if !p.sem.TryAcquire(1) {
		if job.Audio != nil {
			job.Audio.Release()
		}
		return ErrBusy
	}
	defer p.sem.Release(1)

	if job.Reply == "" {
		if err := p.transcribe(ctx, job); err != nil {
			return err
		}
		if err := p.generate(ctx, job); err != nil {
			return err
		}
	} else if job.Audio != nil {
		// Preset jobs carry no capture audio.
		job.Audio.Release()
		job.Audio = nil
	}

	if err := p.synthesize(ctx, job); err != nil {
		return err
	}
	if err := p.transcode(ctx, job); err != nil {
		return err
	}

	if err := sink.Play(ctx, job.ReplyAudio); err != nil {
		job.ReplyAudio.Release()
		return fmt.Errorf("enqueue playback: %w", err)
	}

	p.log.Info("reply ready",
		"job", job.ID,
		"speaker", job.SpeakerID,
		"transcript", job.Transcript,
		"chars", len(job.Reply),
	)
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, job *Job) error {
	converted, err := p.transcoder.Convert(ctx, job.Audio, audio.TargetTranscribe)
	if err != nil {
		job.Audio.Release()
		return fmt.Errorf("prepare audio for transcription: %w", err)
	}
	job.Audio = nil // ownership moved to converted
	defer converted.Release()

	var transcript string
	err = p.retry.Do(ctx, "transcribe", func(ctx context.Context) error {
		var terr error
		transcript, terr = p.transcriber.Transcribe(
			ctx, converted.Path(), p.cfg.LanguageHint)
		return terr
	})
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}

	if strings.TrimSpace(transcript) == "" {
		return ErrEmptyTranscript
	}
	job.Transcript = transcript
	return nil
}

func (p *Pipeline) generate(ctx context.Context, job *Job) error {
	style := p.styleFor(job.SpeakerID)

	var reply string
	err := p.retry.Do(ctx, "generate", func(ctx context.Context) error {
		var gerr error
		reply, gerr = p.generator.Generate(ctx, job.Transcript, style)
		return gerr
	})
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}
	job.Reply = reply
	return nil
}

func (p *Pipeline) synthesize(ctx context.Context, job *Job) error {
	raw, err := p.files.NewFile(".mp3")
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}

	var res tts.Result
	err = p.retry.Do(ctx, "synthesize", func(ctx context.Context) error {
		f, oerr := os.Create(raw.Path())
		if oerr != nil {
			return oerr
		}
		defer f.Close()
		var serr error
		res, serr = p.synthesizer.Synthesize(ctx, job.Reply, f)
		return serr
	})
	if err != nil {
		raw.Release()
		return fmt.Errorf("synthesize: %w", err)
	}

	job.ReplyAudio = raw
	job.shaped = res.Shaped
	return nil
}

func (p *Pipeline) transcode(ctx context.Context, job *Job) error {
	target := audio.TargetPlayback
	if job.shaped {
		target = audio.TargetPlaybackShaped
	}

	converted, err := p.transcoder.Convert(ctx, job.ReplyAudio, target)
	if err != nil {
		job.ReplyAudio.Release()
		job.ReplyAudio = nil
		return fmt.Errorf("transcode reply: %w", err)
	}
	job.ReplyAudio = converted
	return nil
}
