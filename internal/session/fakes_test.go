package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/loqalabs/loqa-rooms/internal/protocol"
	"github.com/loqalabs/loqa-rooms/internal/tts"
)

type fakeTrack struct {
	mu      sync.Mutex
	samples int
	cleared int
	closed  bool
}

func (t *fakeTrack) WriteSamples(samples []float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples += len(samples)
	return nil
}

func (t *fakeTrack) SID() string { return "TR_local" }

func (t *fakeTrack) ClearQueue() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleared++
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTrack) Samples() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samples
}

func (t *fakeTrack) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeConn struct {
	mu           sync.Mutex
	identity     string
	playbackRate int
	remote       []Participant
	track        *fakeTrack
	disconnected bool
}

func (c *fakeConn) LocalIdentity() string { return c.identity }

func (c *fakeConn) RemoteParticipants() []Participant { return c.remote }

func (c *fakeConn) PlaybackSampleRate() int { return c.playbackRate }

func (c *fakeConn) PublishAudio(name string, sampleRate int) (AudioTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.track = &fakeTrack{}
	return c.track, nil
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeConn) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *fakeConn) Track() *fakeTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track
}

type fakeDialer struct {
	mu           sync.Mutex
	playbackRate int
	remote       []Participant
	err          error
	conns        []*fakeConn
	handler      RoomHandler
	tokens       []string
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string, handler RoomHandler) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.err != nil {
		return nil, d.err
	}
	rate := d.playbackRate
	if rate == 0 {
		rate = 48000
	}
	conn := &fakeConn{identity: "local", remote: d.remote, playbackRate: rate}
	d.conns = append(d.conns, conn)
	d.handler = handler
	return conn, nil
}

func (d *fakeDialer) Last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func staticTokens(token string) TokenSource {
	return TokenSourceFunc(func(ctx context.Context, room, identity string) (string, error) {
		if token == "" {
			return "", errors.New("token unavailable")
		}
		return token + ":" + room + ":" + identity, nil
	})
}

type echoText struct{ err error }

func (e echoText) Generate(ctx context.Context, sessionID, room, prompt string) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return "echo " + prompt, nil
}

// blockingSpeech never finishes on its own.
type blockingSpeech struct {
	started chan struct{}
}

func (b *blockingSpeech) Stream(ctx context.Context, req tts.SynthRequest, consumer func(tts.SynthChunk) error) error {
	b.started <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.RoomEvent
}

func (l *eventLog) sink(ev protocol.RoomEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []protocol.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) has(t protocol.EventType) bool {
	for _, et := range l.types() {
		if et == t {
			return true
		}
	}
	return false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAudio() config.AudioConfig {
	cfg := config.Default().Audio
	cfg.Realtime = false
	return cfg
}

func mockSpeech() SpeechSource {
	cfg := config.Default().TTS
	return tts.NewService(cfg, tts.NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.ChunkDurationMS), discardLogger())
}

func newTestSession(d *fakeDialer, events *eventLog) *Session {
	return New(Options{
		Room:       "lobby",
		Identity:   "alice",
		URL:        "wss://rooms.example",
		Dialer:     d,
		Tokens:     staticTokens("tok"),
		Text:       echoText{},
		Speech:     mockSpeech(),
		Audio:      testAudio(),
		Visualizer: config.Default().Visualizer,
		Events:     events.sink,
		Logger:     discardLogger(),
	})
}
