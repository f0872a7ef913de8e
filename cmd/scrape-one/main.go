// Command scrape-one fetches and parses a single profile and prints the
// result as JSON. Nothing is written to the shared store or the result store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/crawler"
	"github.com/Harvey-AU/profile-harvester/internal/db"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// output is the printed document
type output struct {
	ID         int64       `json:"id"`
	URL        string      `json:"url"`
	Outcome    string      `json:"outcome"`
	StatusCode int         `json:"statusCode"`
	DurationMS int64       `json:"durationMs"`
	Error      string      `json:"error,omitempty"`
	Profile    *db.Profile `json:"profile,omitempty"`
}

type options struct {
	urlTemplate string
	userAgent   string
	timeout     time.Duration
	verbose     bool
}

func newRootCmd() *cobra.Command {
	defaults := crawler.DefaultConfig()
	opts := options{
		urlTemplate: defaults.URLTemplate,
		userAgent:   defaults.UserAgent,
		timeout:     defaults.Timeout,
	}

	cmd := &cobra.Command{
		Use:   "scrape-one <id>",
		Short: "Fetch and parse one profile",
		Long: `scrape-one runs the same fetch and classification the workers use for a
single profile ID and prints the outcome and parsed record as JSON.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("id must be a positive integer, got %q", args[0])
			}
			level := zerolog.WarnLevel
			if opts.verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339}).
				Level(level).With().Timestamp().Logger()
			return run(cmd, id, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.urlTemplate, "url-template", opts.urlTemplate, "profile URL with a %d verb for the ID")
	flags.StringVar(&opts.userAgent, "user-agent", opts.userAgent, "user agent sent with the request")
	flags.DurationVar(&opts.timeout, "timeout", opts.timeout, "request deadline")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log request details to stderr")
	return cmd
}

func run(cmd *cobra.Command, id int64, opts options) error {
	c := crawler.New(&crawler.Config{
		URLTemplate: opts.urlTemplate,
		UserAgent:   opts.userAgent,
		Timeout:     opts.timeout,
		WorkerID:    "scrape-one",
	})

	res := c.Scrape(cmd.Context(), id)
	out := output{
		ID:         id,
		URL:        c.ProfileURL(id),
		Outcome:    res.Outcome.String(),
		StatusCode: res.StatusCode,
		DurationMS: res.Duration.Milliseconds(),
		Profile:    res.Profile,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
