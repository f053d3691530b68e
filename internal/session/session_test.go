package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-rooms/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectValidation(t *testing.T) {
	d := &fakeDialer{}
	cases := map[string]struct {
		mutate func(*Options)
		want   error
	}{
		"room":     {func(o *Options) { o.Room = " " }, ErrMissingRoom},
		"identity": {func(o *Options) { o.Identity = "" }, ErrMissingIdentity},
		"url":      {func(o *Options) { o.URL = "" }, ErrNoServerURL},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := newTestSession(d, &eventLog{})
			tc.mutate(&s.opts)
			assert.ErrorIs(t, s.Connect(context.Background()), tc.want)
		})
	}
	assert.Empty(t, d.tokens)
}

func TestFirstParticipantIsHost(t *testing.T) {
	d := &fakeDialer{}
	events := &eventLog{}
	s := newTestSession(d, events)
	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, RoleHost, s.Role())
	assert.True(t, s.Connected())
	assert.Equal(t, []string{"tok:lobby:alice"}, d.tokens)
	require.NotNil(t, d.Last().Track())
	assert.Equal(t, []protocol.EventType{protocol.EventSessionConnected}, events.types())
	assert.Equal(t, "host", events.events[0].Role)
}

func TestLaterParticipantIsGuest(t *testing.T) {
	d := &fakeDialer{remote: []Participant{{Identity: "zed"}, {Identity: "bob"}}}
	s := newTestSession(d, &eventLog{})
	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, RoleGuest, s.Role())
	assert.Nil(t, d.Last().Track(), "guests publish nothing")
	assert.Equal(t, []Participant{{Identity: "bob"}, {Identity: "zed"}}, s.Participants())
}

func TestRoleIsFixedAtJoin(t *testing.T) {
	d := &fakeDialer{remote: []Participant{{Identity: "bob"}}}
	s := newTestSession(d, &eventLog{})
	require.NoError(t, s.Connect(context.Background()))

	s.ParticipantDisconnected(Participant{Identity: "bob"})
	assert.Empty(t, s.Participants())
	assert.Equal(t, RoleGuest, s.Role())
}

func TestConnectTwiceAndAfterLeave(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(d, &eventLog{})
	require.NoError(t, s.Connect(context.Background()))
	assert.ErrorIs(t, s.Connect(context.Background()), ErrAlreadyConnected)

	require.NoError(t, s.Leave())
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
}

func TestConnectFailuresAllowRetry(t *testing.T) {
	d := &fakeDialer{err: errors.New("dial refused")}
	s := newTestSession(d, &eventLog{})
	err := s.Connect(context.Background())
	assert.ErrorContains(t, err, "dial refused")
	assert.False(t, s.Connected())

	d.err = nil
	require.NoError(t, s.Connect(context.Background()))

	noToken := newTestSession(d, &eventLog{})
	noToken.opts.Tokens = staticTokens("")
	assert.ErrorContains(t, noToken.Connect(context.Background()), "fetch token")
}

func TestMembershipEvents(t *testing.T) {
	d := &fakeDialer{}
	events := &eventLog{}
	s := newTestSession(d, events)
	require.NoError(t, s.Connect(context.Background()))

	s.ParticipantConnected(Participant{Identity: "carol", SID: "PA_c"})
	s.ParticipantConnected(Participant{Identity: "bob", SID: "PA_b"})
	s.ParticipantConnected(Participant{Identity: "bob", SID: "PA_b"})
	assert.Equal(t, []Participant{{Identity: "bob", SID: "PA_b"}, {Identity: "carol", SID: "PA_c"}}, s.Participants())

	s.ParticipantDisconnected(Participant{Identity: "carol"})
	s.ParticipantDisconnected(Participant{Identity: "nobody"})
	assert.Equal(t, []Participant{{Identity: "bob", SID: "PA_b"}}, s.Participants())

	assert.Equal(t, []protocol.EventType{
		protocol.EventSessionConnected,
		protocol.EventParticipantJoined,
		protocol.EventParticipantJoined,
		protocol.EventParticipantLeft,
	}, events.types())
}

func TestHostSpeaks(t *testing.T) {
	d := &fakeDialer{}
	events := &eventLog{}
	s := newTestSession(d, events)
	require.NoError(t, s.Connect(context.Background()))

	text, err := s.Speak(context.Background(), "  hello room ")
	require.NoError(t, err)
	assert.Equal(t, "echo hello room", text)
	assert.Equal(t, text, s.GeneratedText())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitSpeech(ctx))
	assert.False(t, s.Speaking())
	assert.False(t, s.Loading())
	assert.Greater(t, d.Last().Track().Samples(), 0)

	assert.Equal(t, []protocol.EventType{
		protocol.EventSessionConnected,
		protocol.EventTextGenerated,
		protocol.EventSpeechStarted,
		protocol.EventSpeechFinished,
	}, events.types())
}

func TestSpeakPreconditions(t *testing.T) {
	d := &fakeDialer{}
	s := newTestSession(d, &eventLog{})
	_, err := s.Speak(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	_, err = s.Speak(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	guest := newTestSession(&fakeDialer{remote: []Participant{{Identity: "host"}}}, &eventLog{})
	require.NoError(t, guest.Connect(context.Background()))
	_, err = guest.Speak(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotHost)
}

func TestSpeakGenerationFailure(t *testing.T) {
	d := &fakeDialer{}
	events := &eventLog{}
	s := newTestSession(d, events)
	s.opts.Text = echoText{err: errors.New("quota")}
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.Speak(context.Background(), "hi")
	assert.ErrorContains(t, err, "quota")
	assert.True(t, events.has(protocol.EventSpeechFailed))
	assert.False(t, s.Loading())
}

func TestSpeakCancelsOngoingSpeech(t *testing.T) {
	d := &fakeDialer{}
	events := &eventLog{}
	speech := &blockingSpeech{started: make(chan struct{}, 2)}
	s := newTestSession(d, events)
	s.opts.Speech = speech
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.Speak(context.Background(), "first")
	require.NoError(t, err)
	<-speech.started
	assert.True(t, s.Speaking())

	_, err = s.Speak(context.Background(), "second")
	require.NoError(t, err)
	<-speech.started
	assert.True(t, events.has(protocol.EventSpeechCancelled))
	assert.Equal(t, "echo second", s.GeneratedText())
	assert.GreaterOrEqual(t, d.Last().Track().cleared, 2)

	require.NoError(t, s.Leave())
	assert.False(t, s.Speaking())
}

func TestGuestPlaysLatestTrack(t *testing.T) {
	d := &fakeDialer{remote: []Participant{{Identity: "host"}}}
	events := &eventLog{}
	s := newTestSession(d, events)
	s.opts.PlaybackPath = filepath.Join(t.TempDir(), "playback.wav")
	require.NoError(t, s.Connect(context.Background()))

	host := Participant{Identity: "host"}
	assert.True(t, s.TrackPublished(host, Track{SID: "TR_1", Kind: TrackKindAudio}))
	assert.False(t, s.TrackPublished(host, Track{SID: "TR_v", Kind: "video"}))

	first := s.TrackSubscribed(host, Track{SID: "TR_1", Kind: TrackKindAudio})
	require.NotNil(t, first)
	second := s.TrackSubscribed(host, Track{SID: "TR_2", Kind: TrackKindAudio})
	require.NotNil(t, second)
	assert.Equal(t, "TR_2", s.Info().ActiveTrack)

	require.NoError(t, first.WriteSamples(make([]float64, 960)))
	assert.False(t, s.Playing(), "inactive track is ignored")
	require.NoError(t, second.WriteSamples(make([]float64, 960)))
	assert.True(t, s.Playing())

	s.TrackUnsubscribed(host, Track{SID: "TR_2", Kind: TrackKindAudio})
	assert.Empty(t, s.Info().ActiveTrack)
	assert.Len(t, s.Tracks(), 1)

	require.NoError(t, s.Leave())
	assert.FileExists(t, s.opts.PlaybackPath)
}

func TestGuestRecordingUsesPlaybackRate(t *testing.T) {
	d := &fakeDialer{remote: []Participant{{Identity: "host"}}, playbackRate: 48000}
	s := newTestSession(d, &eventLog{})
	s.opts.Audio.PublishSampleRate = 24000
	s.opts.PlaybackPath = filepath.Join(t.TempDir(), "playback.wav")
	require.NoError(t, s.Connect(context.Background()))

	host := Participant{Identity: "host"}
	sink := s.TrackSubscribed(host, Track{SID: "TR_1", Kind: TrackKindAudio})
	require.NotNil(t, sink)
	// 100 ms at the decode rate
	require.NoError(t, sink.WriteSamples(make([]float64, 4800)))
	require.NoError(t, s.Leave())

	f, err := os.Open(s.opts.PlaybackPath)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	assert.EqualValues(t, 48000, dec.SampleRate)
	dur, err := dec.Duration()
	require.NoError(t, err)
	assert.InDelta(t, 0.1, dur.Seconds(), 0.002)
}

func TestHostIgnoresRemoteAudio(t *testing.T) {
	s := newTestSession(&fakeDialer{}, &eventLog{})
	require.NoError(t, s.Connect(context.Background()))
	assert.Nil(t, s.TrackSubscribed(Participant{Identity: "g"}, Track{SID: "TR_g", Kind: TrackKindAudio}))
}

func TestLeaveReleasesEverything(t *testing.T) {
	d := &fakeDialer{}
	events := &eventLog{}
	s := newTestSession(d, events)
	require.NoError(t, s.Connect(context.Background()))
	conn := d.Last()

	require.NoError(t, s.Leave())
	require.NoError(t, s.Leave())
	assert.True(t, conn.Disconnected())
	assert.True(t, conn.Track().Closed())
	assert.False(t, s.Connected())
	assert.Equal(t, protocol.EventSessionLeft, events.types()[len(events.types())-1])

	_, err := s.Speak(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestServerDisconnectCleansUp(t *testing.T) {
	d := &fakeDialer{}
	events := &eventLog{}
	s := newTestSession(d, events)
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnected("room deleted")
	require.Eventually(t, func() bool { return d.Last().Disconnected() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return events.has(protocol.EventSessionLeft) }, time.Second, 5*time.Millisecond)

	events.mu.Lock()
	last := events.events[len(events.events)-1]
	events.mu.Unlock()
	assert.Equal(t, "room deleted", last.Error)
}

func TestInfoAndPresence(t *testing.T) {
	s := newTestSession(&fakeDialer{remote: []Participant{{Identity: "h"}}}, &eventLog{})
	require.NoError(t, s.Connect(context.Background()))

	info := s.Info()
	assert.Equal(t, "lobby", info.Room)
	assert.Equal(t, RoleGuest, info.Role)
	assert.True(t, info.Connected)
	assert.False(t, info.JoinedAt.IsZero())

	p := s.Presence()
	assert.Equal(t, "guest", p.Role)
	assert.Equal(t, 1, p.Participants)
}
