package port

import "context"

type SpeechResult struct {
	// TranscriptID identifies the transcript at the provider, used for a
	// follow-up translation request.
	TranscriptID string
	Text         string
	// TranslatedText is the English translation when the provider
	// returned one in the same call; empty otherwise.
	TranslatedText string
	Language       string
	// Duration of the audio in seconds.
	Duration float64
}

// SpeechToText is the external transcription service.
type SpeechToText interface {
	Transcribe(ctx context.Context, audioPath, languageHint string) (*SpeechResult, error)
	TranslateToEnglish(ctx context.Context, transcriptID string) (string, error)
}
