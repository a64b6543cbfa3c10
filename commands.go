package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/john/streambot/internal/kick"
)

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Twitch channel:   #%s as %s (prefix %q)\n", cfg.Twitch.Channel, cfg.Twitch.Username, cfg.Twitch.CommandPrefix)
			fmt.Fprintf(out, "Notifications:    %s\n", enabled(cfg.NotificationsEnabled()))
			fmt.Fprintf(out, "Player socket:    %s (launch: %t)\n", cfg.Player.IPCSocket, cfg.Player.Launch)
			fmt.Fprintf(out, "Queue capacity:   %d\n", cfg.Queue.Capacity)
			fmt.Fprintf(out, "Vote skip:        %d votes in %s\n", cfg.Vote.Threshold, cfg.VoteWindow())
			fmt.Fprintf(out, "Overlay address:  %s\n", cfg.Overlay.Addr)
			fmt.Fprintf(out, "Canned commands:  %d\n", len(cfg.Commands))
			fmt.Fprintf(out, "Kick chat:        %s\n", enabled(cfg.Kick.Enabled))
			fmt.Fprintf(out, "Journal:          %s\n", enabled(cfg.Recorder.Enabled))
			fmt.Fprintf(out, "Journal upload:   %s\n", enabled(cfg.UploadEnabled()))
			return nil
		},
	}
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func resolveKickCmd() *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "resolve-kick <channel>...",
		Short: "Resolve Kick channel slugs to chatroom IDs for the config file",
		Long: `Resolve Kick channel slugs to chatroom IDs.

The Kick API sits behind CloudFlare and may refuse requests from servers.
Run this locally and paste the printed snippet into config.yaml so the bot
never has to resolve at startup.

Example:
  streambot resolve-kick paymoneywubby xqc`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			client := &http.Client{Timeout: 10 * time.Second}

			var resolved []kick.KickChannelResponse
			var failed []string
			for _, slug := range args {
				info, err := kick.ResolveChannel(ctx, client, baseURL, slug)
				if err != nil {
					failed = append(failed, fmt.Sprintf("%s: %v", slug, err))
					continue
				}
				resolved = append(resolved, info)
			}

			if len(failed) > 0 {
				fmt.Fprintln(out, "Failed to resolve:")
				fmt.Fprintln(out, "---")
				fmt.Fprintln(out, strings.Join(failed, "\n"))
				fmt.Fprintln(out)
			}

			if len(resolved) > 0 {
				fmt.Fprintln(out, "Add this to your config.yaml:")
				fmt.Fprintln(out, "---")
				fmt.Fprintln(out, "kick:")
				fmt.Fprintln(out, "  enabled: true")
				fmt.Fprintln(out, "  channels:")
				for _, info := range resolved {
					fmt.Fprintf(out, "    - slug: %s\n", info.Slug)
					fmt.Fprintf(out, "      chatroom_id: %d\n", info.Chatroom.ID)
				}
			}

			if len(resolved) == 0 {
				return fmt.Errorf("no channels resolved")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "api-url", kick.DefaultAPIBaseURL, "Kick API base URL")
	return cmd
}
