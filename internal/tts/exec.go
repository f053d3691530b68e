package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// base64 PCM lines can be far larger than bufio's default token size.
const maxExecLine = 8 << 20

// execSynth runs a local speech engine once per utterance. The engine reads a
// JSON request on stdin and may answer in one of three shapes, told apart by
// the first bytes of stdout:
//   - JSON lines with base64 PCM ({"pcm_base64": "...", "final": bool})
//   - a 16-bit WAV file
//   - raw little-endian 16-bit PCM at the configured rate
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	chunkMS    int
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed,omitempty"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels, chunkMS int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	if chunkMS <= 0 {
		chunkMS = 100
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels, chunkMS: chunkMS}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	input, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Speed:      req.Speed,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	emit := e.emitter(ctx, req.SessionID, out)
	reader := bufio.NewReaderSize(stdout, 64*1024)
	head, _ := reader.Peek(4)
	switch {
	case len(head) > 0 && head[0] == '{':
		err = readJSONLines(reader, e.sampleRate, e.channels, emit)
	case string(head) == "RIFF":
		err = e.readWAV(reader, emit)
	default:
		err = e.readRaw(reader, e.sampleRate, e.channels, emit)
	}
	if err != nil {
		// unblock the engine before reaping it
		_, _ = io.Copy(io.Discard, reader)
		if waitErr := cmd.Wait(); waitErr != nil && errors.Is(err, ErrNoAudio) {
			return fmt.Errorf("%w: %w", err, commandError(waitErr, &stderr))
		}
		return err
	}
	if err := cmd.Wait(); err != nil {
		return commandError(err, &stderr)
	}
	return nil
}

func commandError(err error, stderr *bytes.Buffer) error {
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return fmt.Errorf("tts command failed: %w: %s", err, msg)
	}
	return fmt.Errorf("tts command failed: %w", err)
}

type emitFunc func(pcm []byte, sampleRate, channels int, final bool) error

func (e *execSynth) emitter(ctx context.Context, sessionID string, out chan<- SynthChunk) emitFunc {
	sequence := 0
	return func(pcm []byte, sampleRate, channels int, final bool) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- SynthChunk{
			SessionID:  sessionID,
			Sequence:   sequence,
			SampleRate: sampleRate,
			Channels:   channels,
			PCM:        pcm,
			Final:      final,
		}:
			sequence++
			return nil
		}
	}
}

func readJSONLines(r io.Reader, sampleRate, channels int, emit emitFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxExecLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode tts line: %w", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return fmt.Errorf("decode tts audio: %w", err)
		}
		if err := emit(pcm, sampleRate, channels, resp.Final); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// readRaw slices an unframed PCM stream into chunkMS pieces as it arrives.
func (e *execSynth) readRaw(r io.Reader, sampleRate, channels int, emit emitFunc) error {
	buf := make([]byte, chunkBytes(sampleRate, channels, e.chunkMS))
	var pending []byte
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if pending != nil {
				if emitErr := emit(pending, sampleRate, channels, false); emitErr != nil {
					return emitErr
				}
			}
			pending = append([]byte(nil), buf[:n-n%2]...)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if pending == nil {
		return ErrNoAudio
	}
	return emit(pending, sampleRate, channels, true)
}

// readWAV buffers the whole file because the decoder needs to seek.
func (e *execSynth) readWAV(r io.Reader, emit emitFunc) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return errors.New("tts command produced an invalid wav file")
	}
	if dec.BitDepth != 16 {
		return fmt.Errorf("tts wav must be 16-bit, got %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("decode tts wav: %w", err)
	}
	pcm := make([]byte, 2*len(buf.Data))
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v)))
	}
	return e.readRaw(bytes.NewReader(pcm), int(dec.SampleRate), int(dec.NumChans), emit)
}
