// Package speech converts between spoken audio and text. Recognition and
// synthesis sit behind small interfaces so handlers and tests never talk to
// the vendor API directly.
package speech

import "context"

// STTClient transcribes a recorded audio file to text.
type STTClient interface {
	Transcribe(ctx context.Context, filePath string) (string, error)
}

// TTSClient renders text to a spoken audio file at outPath.
type TTSClient interface {
	Synthesize(ctx context.Context, text, outPath string) error
}

// Service is the single entry point for both directions.
type Service struct {
	stt STTClient
	tts TTSClient
}

func NewService(stt STTClient, tts TTSClient) *Service {
	return &Service{stt: stt, tts: tts}
}

func (s *Service) Transcribe(ctx context.Context, filePath string) (string, error) {
	return s.stt.Transcribe(ctx, filePath)
}

func (s *Service) Synthesize(ctx context.Context, text, outPath string) error {
	return s.tts.Synthesize(ctx, text, outPath)
}
