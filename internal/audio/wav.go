package audio

import (
	"errors"
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSink records mono 16-bit PCM to a WAV file.
type WAVSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *wav.Encoder
	buf  *goaudio.IntBuffer
	path string
}

func NewWAVSink(path string, sampleRate int) (*WAVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav file: %w", err)
	}
	format := &goaudio.Format{NumChannels: 1, SampleRate: sampleRate}
	return &WAVSink{
		file: f,
		enc:  wav.NewEncoder(f, sampleRate, 16, 1, 1),
		buf:  &goaudio.IntBuffer{Format: format, SourceBitDepth: 16},
		path: path,
	}, nil
}

func (w *WAVSink) Path() string { return w.path }

func (w *WAVSink) WriteSamples(samples []float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return errors.New("wav sink closed")
	}
	data := w.buf.Data[:0]
	for _, s := range samples {
		data = append(data, int(floatToInt16(s)))
	}
	w.buf.Data = data
	return w.enc.Write(w.buf)
}

// Close finalises the header and closes the file. It is safe to call twice.
func (w *WAVSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return nil
	}
	encErr := w.enc.Close()
	w.enc = nil
	return errors.Join(encErr, w.file.Close())
}
