package livekit

import (
	"errors"
	"log/slog"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
)

// publishedTrack is a PCM track published by the local participant.
type publishedTrack struct {
	room  *lksdk.Room
	track *lkmedia.PCMLocalTrack
	sid   string
	log   *slog.Logger

	once sync.Once
	err  error
}

func (t *publishedTrack) SID() string { return t.sid }

func (t *publishedTrack) WriteSamples(samples []float64) error {
	return t.track.WriteSample(toPCM16(samples))
}

func (t *publishedTrack) ClearQueue() { t.track.ClearQueue() }

// Close unpublishes the track and releases its encoder.
func (t *publishedTrack) Close() error {
	t.once.Do(func() {
		var unpublishErr error
		if t.room != nil && t.room.LocalParticipant != nil {
			unpublishErr = t.room.LocalParticipant.UnpublishTrack(t.sid)
		}
		t.err = errors.Join(unpublishErr, t.track.Close())
		t.log.Info("unpublished audio track", slog.String("track_sid", t.sid))
	})
	return t.err
}
