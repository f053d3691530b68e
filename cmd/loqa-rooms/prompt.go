package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-rooms/internal/bus"
	"github.com/loqalabs/loqa-rooms/internal/protocol"
	"github.com/loqalabs/loqa-rooms/internal/router"
	"github.com/spf13/cobra"
)

func newPromptCmd(opts *rootOptions) *cobra.Command {
	var (
		room    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prompt [text...]",
		Short: "Ask the host session of a room to speak, over the message bus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Bus.Enabled = true

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client, err := bus.Connect(ctx, cfg.Bus, logger.With(slog.String("component", "bus")))
			if err != nil {
				return err
			}
			defer client.Close()

			req := protocol.PromptRequest{
				Room:      room,
				Prompt:    strings.Join(args, " "),
				Timestamp: time.Now().UTC(),
			}
			var reply router.PromptReply
			if err := client.RequestJSON(ctx, protocol.PromptSubject(room), req, &reply); err != nil {
				return fmt.Errorf("prompt %s: %w", room, err)
			}
			if reply.Error != "" {
				return errors.New(reply.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "Room name")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the host to reply")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}
