// Package stt is the speech-to-text collaborator boundary.
package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Transcriber converts one finished utterance file into text. An empty
// string is a normal outcome: the service heard nothing worth keeping.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, languageHint string) (string, error)
}

type WhisperTranscriber struct {
	client *openai.Client
}

func NewWhisperTranscriber(apiKey string) *WhisperTranscriber {
	return &WhisperTranscriber{client: openai.NewClient(apiKey)}
}

func (w *WhisperTranscriber) Transcribe(
	ctx context.Context,
	audioPath, languageHint string,
) (string, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: audioPath,
		Language: languageHint,
		Format:   openai.AudioResponseFormatText,
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
