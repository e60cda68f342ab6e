// Package tts is the text-to-speech collaborator boundary: a primary
// synthesis path and a degraded fallback whose output gets voice-shaped
// downstream.
package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/haguro/elevenlabs-go"
	"github.com/sashabaranov/go-openai"
)

// Result describes how the audio was produced. Shaped output came from the
// degraded fallback path and should run through the transcoder's
// voice-shaping filters to approximate the configured voice character.
type Result struct {
	Shaped bool
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string, w io.Writer) (Result, error)
}

type OpenAISynthesizer struct {
	client *openai.Client
	voice  openai.SpeechVoice
	speed  float64
}

func NewOpenAISynthesizer(apiKey, voice string, speed float64) *OpenAISynthesizer {
	if voice == "" {
		voice = string(openai.VoiceEcho)
	}
	if speed == 0 {
		speed = 0.95
	}
	return &OpenAISynthesizer{
		client: openai.NewClient(apiKey),
		voice:  openai.SpeechVoice(voice),
		speed:  speed,
	}
}

func (s *OpenAISynthesizer) Synthesize(
	ctx context.Context,
	text string,
	w io.Writer,
) (Result, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model: openai.TTSModel1,
		Input: text,
		Voice: s.voice,
		Speed: s.speed,
	})
	if err != nil {
		return Result{}, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Close()

	if _, err := io.Copy(w, resp); err != nil {
		return Result{}, fmt.Errorf("read openai speech: %w", err)
	}
	return Result{}, nil
}

type ElevenLabsSynthesizer struct {
	apiKey  string
	voiceID string
}

func NewElevenLabsSynthesizer(apiKey, voiceID string) *ElevenLabsSynthesizer {
	if voiceID == "" {
		voiceID = "pKLLpypGseGMUjkb5fEZ"
	}
	return &ElevenLabsSynthesizer{apiKey: apiKey, voiceID: voiceID}
}

func (e *ElevenLabsSynthesizer) Synthesize(
	ctx context.Context,
	text string,
	w io.Writer,
) (Result, error) {
	client := elevenlabs.NewClient(ctx, e.apiKey, 30*time.Second)
	req := elevenlabs.TextToSpeechRequest{
		Text:    text,
		ModelID: "eleven_turbo_v2_5",
	}
	if err := client.TextToSpeechStream(w, e.voiceID, req); err != nil {
		return Result{}, fmt.Errorf("elevenlabs speech: %w", err)
	}
	// The fallback voice doesn't match the configured character, so mark
	// its output for shaping.
	return Result{Shaped: true}, nil
}

// FallbackSynthesizer tries the primary path and degrades to the fallback
// when the primary is unavailable for any reason. Primary output is
// buffered so a mid-stream failure never leaks partial audio into w.
type FallbackSynthesizer struct {
	primary  Synthesizer
	fallback Synthesizer
	log      *log.Logger
}

func NewFallbackSynthesizer(
	primary, fallback Synthesizer,
	logger *log.Logger,
) *FallbackSynthesizer {
	return &FallbackSynthesizer{
		primary:  primary,
		fallback: fallback,
		log:      logger,
	}
}

func (f *FallbackSynthesizer) Synthesize(
	ctx context.Context,
	text string,
	w io.Writer,
) (Result, error) {
	var buf bytes.Buffer
	res, err := f.primary.Synthesize(ctx, text, &buf)
	if err == nil {
		if _, werr := w.Write(buf.Bytes()); werr != nil {
			return Result{}, fmt.Errorf("write synthesized audio: %w", werr)
		}
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, err
	}
	if f.fallback == nil {
		return Result{}, err
	}

	f.log.Warn("primary speech synthesis failed, degrading",
		"error", err)

	res, ferr := f.fallback.Synthesize(ctx, text, w)
	if ferr != nil {
		return Result{}, fmt.Errorf(
			"speech synthesis failed (primary: %v): %w", err, ferr)
	}
	return res, nil
}
