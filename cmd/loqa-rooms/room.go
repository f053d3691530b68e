package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-rooms/internal/client"
	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/loqalabs/loqa-rooms/internal/livekit"
	"github.com/loqalabs/loqa-rooms/internal/llm"
	"github.com/loqalabs/loqa-rooms/internal/protocol"
	"github.com/loqalabs/loqa-rooms/internal/session"
	"github.com/loqalabs/loqa-rooms/internal/token"
	"github.com/loqalabs/loqa-rooms/internal/tts"
	"github.com/spf13/cobra"
)

type roomOptions struct {
	room     string
	identity string
	server   string
	record   string
}

func (o *roomOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.room, "room", "", "Room name")
	cmd.Flags().StringVar(&o.identity, "identity", "", "Participant identity")
	cmd.Flags().StringVar(&o.server, "server", "", "loqa-rooms server URL used for tokens and text when no local keys are set")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("identity")
}

func newHostCmd(opts *rootOptions) *cobra.Command {
	ro := &roomOptions{}
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Join a room and speak generated replies to prompts read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRoom(cmd, opts, ro, true)
		},
	}
	ro.bind(cmd)
	return cmd
}

func newGuestCmd(opts *rootOptions) *cobra.Command {
	ro := &roomOptions{}
	cmd := &cobra.Command{
		Use:   "guest",
		Short: "Join a room and listen, optionally recording what is heard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRoom(cmd, opts, ro, false)
		},
	}
	ro.bind(cmd)
	cmd.Flags().StringVar(&ro.record, "record", "", "Write received audio to this WAV file")
	return cmd
}

// remoteText generates through a running server's /api/generate route.
type remoteText struct {
	c *client.Client
}

func (r remoteText) Generate(ctx context.Context, _, _, prompt string) (string, error) {
	return r.c.Generate(ctx, prompt)
}

func runRoom(cmd *cobra.Command, opts *rootOptions, ro *roomOptions, prompts bool) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	sessOpts, err := sessionOptions(cfg, ro, logger)
	if err != nil {
		return err
	}

	left := make(chan struct{})
	var once sync.Once
	out := cmd.OutOrStdout()
	sessOpts.Events = func(ev protocol.RoomEvent) {
		switch ev.Type {
		case protocol.EventSessionLeft:
			once.Do(func() { close(left) })
		case protocol.EventParticipantJoined, protocol.EventParticipantLeft:
			fmt.Fprintf(out, "* %s %s\n", ev.Participant, strings.TrimPrefix(string(ev.Type), "participant."))
		}
	}

	sess := session.New(sessOpts)
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sess.Leave(); err != nil {
			logger.Warn("leave failed", slog.String("error", err.Error()))
		}
	}()
	fmt.Fprintf(out, "joined %s as %s (%s)\n", ro.room, ro.identity, sess.Role())

	if prompts && sess.Role() != session.RoleHost {
		logger.Warn("room already has participants, listening as guest", slog.String("room", ro.room))
		prompts = false
	}
	if !prompts {
		select {
		case <-ctx.Done():
		case <-left:
		}
		return nil
	}
	return promptLoop(ctx, sess, cmd.InOrStdin(), out, left)
}

// promptLoop speaks one reply per non-empty input line until EOF.
func promptLoop(ctx context.Context, sess *session.Session, in io.Reader, out io.Writer, left <-chan struct{}) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		select {
		case <-ctx.Done():
			return nil
		case <-left:
			return nil
		case line, ok := <-lines:
			if !ok {
				return sess.WaitSpeech(ctx)
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			text, err := sess.Speak(ctx, line)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, text)
		}
	}
}

// sessionOptions resolves where tokens and text come from: local keys when
// configured, otherwise the server named by --server.
func sessionOptions(cfg config.Config, ro *roomOptions, logger *slog.Logger) (session.Options, error) {
	opts := session.Options{
		Room:         ro.room,
		Identity:     ro.identity,
		URL:          cfg.LiveKit.URL,
		Dialer:       livekit.NewDialer(logger),
		Audio:        cfg.Audio,
		Visualizer:   cfg.Visualizer,
		Voice:        cfg.TTS.Voice,
		Speed:        cfg.TTS.Speed,
		PlaybackPath: ro.record,
		Logger:       logger,
	}

	var remote *client.Client
	if ro.server != "" {
		remote = client.New(ro.server)
	}

	issuer := token.NewIssuer(cfg.LiveKit, logger)
	switch {
	case issuer.Configured():
		opts.Tokens = session.TokenSourceFunc(func(_ context.Context, room, identity string) (string, error) {
			return issuer.Issue(room, identity)
		})
	case remote != nil:
		opts.Tokens = remote
	default:
		return opts, errors.New("no token source: set LIVEKIT_API_KEY/LIVEKIT_API_SECRET or --server")
	}

	if generator, err := llm.NewGenerator(cfg.LLM); err == nil && cfg.LLM.Enabled {
		opts.Text = llm.NewService(cfg.LLM, generator, logger)
	} else if remote != nil {
		opts.Text = remoteText{c: remote}
	} else if err != nil {
		logger.Warn("text generation unavailable", slog.String("mode", cfg.LLM.Mode), slog.String("error", err.Error()))
	}

	if synth, err := tts.NewSynthesizer(cfg.TTS); err == nil {
		opts.Speech = tts.NewService(cfg.TTS, synth, logger)
	} else {
		logger.Warn("speech synthesis unavailable", slog.String("mode", cfg.TTS.Mode), slog.String("error", err.Error()))
	}
	return opts, nil
}
