package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/O-Tiger/WebServiceTwitchBot/bot"
)

type cli struct {
	server string
	token  string
	asJSON bool
	api    *apiClient
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "botctl",
		Short:        "Control a running Twitch bot supervisor",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c.api = newAPIClient(c.server, c.token)
		},
	}
	root.PersistentFlags().StringVar(&c.server, "server", envOr("BOTCTL_SERVER", "http://localhost:8080"), "bot API base URL")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv("ADMIN_TOKEN"), "admin token (X-Admin-Token)")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print raw JSON")

	root.AddCommand(
		c.connectCmd(),
		c.disconnectCmd(),
		c.sendCmd(),
		c.channelsCmd(),
		c.statsCmd(),
		c.raidsCmd(),
		c.responsesCmd(),
		c.streamersCmd(),
		c.importCmd(),
	)
	return root
}

// print writes v as indented JSON when --json is set, otherwise calls human.
func (c *cli) print(w io.Writer, v any, human func()) error {
	if c.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human()
	return nil
}

func channelPath(channel, suffix string) string {
	return "/api/channels/" + url.PathEscape(bot.NormalizeChannel(channel)) + suffix
}

func (c *cli) connectCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "connect CHANNEL",
		Short: "Start the bot in a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if prefix != "" {
				body = map[string]string{"prefix": prefix}
			}
			var out map[string]string
			if err := c.api.do(cmd.Context(), http.MethodPost, channelPath(args[0], "/connect"), body, &out); err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), out, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", out["channel"], out["status"]) //nolint:errcheck
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "command prefix for this channel")
	return cmd
}

func (c *cli) disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect CHANNEL",
		Short: "Stop the bot in a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]string
			if err := c.api.do(cmd.Context(), http.MethodPost, channelPath(args[0], "/disconnect"), nil, &out); err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), out, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", out["channel"], out["status"]) //nolint:errcheck
			})
		},
	}
}

func (c *cli) sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send CHANNEL MESSAGE...",
		Short: "Queue a chat message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"message": strings.Join(args[1:], " ")}
			return c.api.do(cmd.Context(), http.MethodPost, channelPath(args[0], "/messages"), body, nil)
		},
	}
}

func (c *cli) channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List connected channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Channels []string `json:"channels"`
			}
			if err := c.api.do(cmd.Context(), http.MethodGet, "/api/channels", nil, &out); err != nil {
				return err
			}
			sort.Strings(out.Channels)
			return c.print(cmd.OutOrStdout(), out, func() {
				for _, ch := range out.Channels {
					fmt.Fprintln(cmd.OutOrStdout(), ch) //nolint:errcheck
				}
			})
		},
	}
}

// ranked returns map keys ordered by value, highest first.
func ranked(m map[string]int, n int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func (c *cli) statsCmd() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "stats [CHANNEL]",
		Short: "Show per-channel or aggregated statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if len(args) == 1 {
				var st bot.ChannelStats
				if err := c.api.do(cmd.Context(), http.MethodGet, channelPath(args[0], "/stats"), nil, &st); err != nil {
					return err
				}
				return c.print(w, st, func() {
					fmt.Fprintf(w, "channel: %s (%s)\nusers: %d\nmessages: %d\n", st.Channel, st.Status, st.TotalUsers, st.TotalMessages) //nolint:errcheck
					for _, u := range ranked(st.Points, top) {
						fmt.Fprintf(w, "  %s\t%d pts\n", u, st.Points[u]) //nolint:errcheck
					}
				})
			}
			var agg bot.AggregatedStats
			if err := c.api.do(cmd.Context(), http.MethodGet, "/api/stats", nil, &agg); err != nil {
				return err
			}
			return c.print(w, agg, func() {
				fmt.Fprintf(w, "channels: %s\nusers: %d\nmessages: %d\npoints: %d\n", strings.Join(agg.ConnectedChannels, ", "), agg.TotalUsers, agg.TotalMessages, agg.TotalPoints) //nolint:errcheck
				for _, u := range ranked(agg.Points, top) {
					fmt.Fprintf(w, "  %s\t%d pts\n", u, agg.Points[u]) //nolint:errcheck
				}
			})
		},
	}
	cmd.Flags().IntVar(&top, "top", 5, "number of users to list")
	return cmd
}

func (c *cli) raidsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "raids CHANNEL",
		Short: "Show recent raids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Raids []struct {
					Raider     string `json:"raider"`
					Viewers    int    `json:"viewers"`
					ReceivedAt string `json:"received_at"`
				} `json:"raids"`
			}
			path := fmt.Sprintf("%s?limit=%d", channelPath(args[0], "/raids"), limit)
			if err := c.api.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), out, func() {
				for _, r := range out.Raids {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d viewers\n", r.ReceivedAt, r.Raider, r.Viewers) //nolint:errcheck
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of raids")
	return cmd
}

func (c *cli) responsesCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "responses",
		Short: "Manage auto-responses",
	}
	cmd.PersistentFlags().StringVar(&channel, "channel", "", "edit one live channel only")

	list := &cobra.Command{
		Use:   "list",
		Short: "List global auto-responses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Responses []bot.AutoResponse `json:"responses"`
			}
			if channel != "" {
				var st bot.ChannelStats
				if err := c.api.do(cmd.Context(), http.MethodGet, channelPath(channel, "/stats"), nil, &st); err != nil {
					return err
				}
				out.Responses = st.AutoResponses
			} else if err := c.api.do(cmd.Context(), http.MethodGet, "/api/auto-responses", nil, &out); err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), out, func() {
				for _, r := range out.Responses {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.Trigger, r.Response) //nolint:errcheck
				}
			})
		},
	}
	add := &cobra.Command{
		Use:   "add TRIGGER RESPONSE...",
		Short: "Add or replace an auto-response",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := bot.AutoResponse{Trigger: args[0], Response: strings.Join(args[1:], " ")}
			path := "/api/auto-responses"
			if channel != "" {
				path = channelPath(channel, "/auto-responses")
			}
			return c.api.do(cmd.Context(), http.MethodPost, path, body, nil)
		},
	}
	remove := &cobra.Command{
		Use:   "remove TRIGGER",
		Short: "Remove an auto-response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/auto-responses/" + url.PathEscape(args[0])
			if channel != "" {
				path = channelPath(channel, "/auto-responses/"+url.PathEscape(args[0]))
			}
			return c.api.do(cmd.Context(), http.MethodDelete, path, nil, nil)
		},
	}
	cmd.AddCommand(list, add, remove)
	return cmd
}

func (c *cli) streamersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "streamers",
		Short: "Manage the saved channel list",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved channels",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var out struct {
					Streamers []struct {
						Channel     string `json:"channel"`
						DisplayName string `json:"display_name"`
					} `json:"streamers"`
				}
				if err := c.api.do(cmd.Context(), http.MethodGet, "/api/streamers", nil, &out); err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), out, func() {
					for _, s := range out.Streamers {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.Channel, s.DisplayName) //nolint:errcheck
					}
				})
			},
		},
		&cobra.Command{
			Use:   "add CHANNEL",
			Short: "Save a channel",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.api.do(cmd.Context(), http.MethodPost, "/api/streamers", map[string]string{"channel": args[0], "display_name": args[0]}, nil)
			},
		},
		&cobra.Command{
			Use:   "remove CHANNEL",
			Short: "Forget a saved channel",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.api.do(cmd.Context(), http.MethodDelete, "/api/streamers/"+url.PathEscape(bot.NormalizeChannel(args[0])), nil, nil)
			},
		},
	)
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import data exported from other bots",
	}
	report := func(cmd *cobra.Command, out map[string]any) error {
		return c.print(cmd.OutOrStdout(), out, func() {
			fmt.Fprintf(cmd.OutOrStdout(), "imported %v, skipped %v\n", out["imported"], out["skipped"]) //nolint:errcheck
		})
	}
	se := &cobra.Command{
		Use:   "streamelements FILE.csv",
		Short: "Credit points from a StreamElements CSV export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := c.api.upload(cmd.Context(), "/api/import/streamelements", args[0], map[string]string{"channel": channel}, &out); err != nil {
				return err
			}
			return report(cmd, out)
		},
	}
	se.Flags().StringVar(&channel, "channel", "", "credit one live channel only")
	nb := &cobra.Command{
		Use:   "nightbot FILE.json",
		Short: "Add Nightbot commands as auto-responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := c.api.upload(cmd.Context(), "/api/import/nightbot", args[0], nil, &out); err != nil {
				return err
			}
			return report(cmd, out)
		},
	}
	cmd.AddCommand(se, nb)
	return cmd
}
