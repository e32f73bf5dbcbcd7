package tts

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/audiobook-service/internal/config"
	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/tts/text"
)

// HealthCheckTimeout bounds a single probe of the speech service.
const HealthCheckTimeout = 10 * time.Second

// Narration pace used for duration estimates.
const (
	charsPerWord   = 5.0
	wordsPerMinute = 150.0
)

const (
	logFmtSegmented      = "Chapter text split into %d synthesis requests (%d chars)"
	errFmtSegmentFailed  = "failed to synthesize segment %d/%d: %w"
	errFmtNothingToSpeak = "%w: nothing left to narrate after preprocessing"
)

// HTTPSynthesizer implements core.Synthesizer on top of the HTTP speech service.
// Long chapters are split into several requests whose MP3 streams are concatenated.
type HTTPSynthesizer struct {
	client          *HTTPClient
	preprocessor    *text.Preprocessor
	logger          *logger.Logger
	voice           string
	language        string
	temperature     float64
	maxRequestChars int
}

var _ core.Synthesizer = (*HTTPSynthesizer)(nil)

// NewHTTPSynthesizer builds a synthesizer from the tts_service configuration section.
func NewHTTPSynthesizer(cfg config.TTSServiceConfig, log *logger.Logger) *HTTPSynthesizer {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	return NewHTTPSynthesizerWithClient(cfg, log, NewHTTPClient(cfg.ServiceURL, timeout))
}

// NewHTTPSynthesizerWithClient builds a synthesizer around an existing client.
func NewHTTPSynthesizerWithClient(
	cfg config.TTSServiceConfig,
	log *logger.Logger,
	client *HTTPClient,
) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		client:          client,
		preprocessor:    text.NewPreprocessor(),
		logger:          log,
		voice:           cfg.VoiceDefault,
		language:        cfg.Language,
		temperature:     cfg.Temperature,
		maxRequestChars: cfg.MaxRequestChars,
	}
}

// Synthesize narrates one chapter and returns its MP3 audio with an estimated duration.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, chapterText string) (*core.SpeechResult, error) {
	narration := s.preprocessor.PreprocessText(chapterText)
	if narration == "" {
		return nil, fmt.Errorf(errFmtNothingToSpeak, ErrTextEmpty)
	}

	segments := text.Segment(narration, s.maxRequestChars)
	if len(segments) > 1 {
		s.logger.Info(logFmtSegmented, len(segments), len(narration))
	}

	var audio []byte

	for index, segment := range segments {
		data, err := s.client.GenerateSpeech(ctx, Request{
			Text:        segment,
			Voice:       s.voice,
			Language:    s.language,
			Temperature: s.temperature,
		})
		if err != nil {
			return nil, fmt.Errorf(errFmtSegmentFailed, index+1, len(segments), err)
		}

		audio = append(audio, data...)
	}

	return &core.SpeechResult{
		Audio:           audio,
		DurationSeconds: EstimateDuration(chapterText),
	}, nil
}

// HealthCheck probes the speech service.
func (s *HTTPSynthesizer) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	return s.client.HealthCheck(ctx)
}

// EstimateDuration approximates the narrated length of chapterText in whole seconds,
// assuming five characters per word at 150 words per minute.
func EstimateDuration(chapterText string) int {
	words := float64(len(chapterText)) / charsPerWord

	return int(math.Round(words / wordsPerMinute * 60))
}
