package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-rooms/internal/token"
	"github.com/spf13/cobra"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		room      string
		identity  string
		ttl       time.Duration
		subscribe bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a LiveKit access token with the configured key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			issuer := token.NewIssuer(cfg.LiveKit, logger)
			if !issuer.Configured() {
				return errors.New("LIVEKIT_API_KEY and LIVEKIT_API_SECRET must be set")
			}
			grants := token.DefaultGrants
			if subscribe {
				grants = token.Grants{CanSubscribe: true}
			}
			jwt, err := issuer.IssueRequest(token.Request{
				Room:     room,
				Identity: identity,
				Grants:   grants,
				TTL:      ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), jwt)
			return nil
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "Room name")
	cmd.Flags().StringVar(&identity, "identity", "", "Participant identity")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to livekit.token_ttl_s)")
	cmd.Flags().BoolVar(&subscribe, "subscribe-only", false, "Grant subscribe permission only")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}
