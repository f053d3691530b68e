package tts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// OpenAI speech returns raw pcm at a fixed rate.
const (
	openAISampleRate = 24000
	openAIChannels   = 1
	defaultVoice     = "alloy"
	defaultModel     = "tts-1"
)

type openAISynth struct {
	client  openai.Client
	model   string
	voice   string
	chunkMS int
}

// NewOpenAISynth builds a speech backend on the audio/speech endpoint.
func NewOpenAISynth(apiKey, baseURL, model, voice string, chunkMS int, opts ...option.RequestOption) (Synthesizer, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	clientOpts = append(clientOpts, opts...)
	if model == "" {
		model = defaultModel
	}
	if voice == "" {
		voice = defaultVoice
	}
	if chunkMS <= 0 {
		chunkMS = 400
	}
	return &openAISynth{client: openai.NewClient(clientOpts...), model: model, voice: voice, chunkMS: chunkMS}, nil
}

func (s *openAISynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if req.Text == "" {
			errs <- ErrEmptyText
			return
		}
		voice := req.Voice
		if voice == "" {
			voice = s.voice
		}
		params := openai.AudioSpeechNewParams{
			Input:          req.Text,
			Model:          openai.SpeechModel(s.model),
			Voice:          openai.AudioSpeechNewParamsVoice(voice),
			ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
		}
		if req.Speed > 0 {
			params.Speed = param.NewOpt(req.Speed)
		}
		resp, err := s.client.Audio.Speech.New(ctx, params)
		if err != nil {
			errs <- fmt.Errorf("openai speech: %w", err)
			return
		}
		defer resp.Body.Close()

		if err := s.stream(ctx, req.SessionID, resp.Body, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

// stream slices body into fixed-duration chunks, holding one back so the
// last can be flagged final.
func (s *openAISynth) stream(ctx context.Context, sessionID string, body io.Reader, out chan<- SynthChunk) error {
	size := chunkBytes(openAISampleRate, openAIChannels, s.chunkMS)
	var pending []byte
	seq := 0
	emit := func(pcm []byte, final bool) error {
		chunk := SynthChunk{
			SessionID:  sessionID,
			Sequence:   seq,
			SampleRate: openAISampleRate,
			Channels:   openAIChannels,
			PCM:        pcm,
			Final:      final,
		}
		seq++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- chunk:
			return nil
		}
	}
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			if pending != nil {
				if emitErr := emit(pending, false); emitErr != nil {
					return emitErr
				}
			}
			// drop a trailing odd byte
			pending = buf[:n-n%2]
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read speech audio: %w", err)
		}
	}
	if pending == nil {
		return ErrNoAudio
	}
	return emit(pending, true)
}
