package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"tvm-live-service/internal/client"
	"tvm-live-service/internal/domain"
)

// NewWatchCmd polls a session and prints its leaderboard on every change.
func NewWatchCmd() *cobra.Command {
	var (
		baseURL   string
		sessionID string
		interval  time.Duration
		once      bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a live session's leaderboard from the pull API",
		RunE: func(cmd *cobra.Command, args []string) error {
			poller := client.NewPoller(baseURL, sessionID,
				client.WithInterval(interval),
				client.WithLogger(logrus.StandardLogger()),
			)
			out := cmd.OutOrStdout()
			if once {
				view, err := poller.Fetch(cmd.Context())
				if err != nil {
					return err
				}
				return printLeaderboard(out, view)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err := poller.Run(ctx, func(view domain.SessionView) {
				if err := printLeaderboard(out, view); err != nil {
					logrus.WithError(err).Warn("print leaderboard")
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "base URL of the live session service")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to follow")
	cmd.Flags().DurationVar(&interval, "interval", client.DefaultInterval, "poll interval")
	cmd.Flags().BoolVar(&once, "once", false, "fetch a single snapshot and exit")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func printLeaderboard(w io.Writer, view domain.SessionView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "session %s: %d participants, avg progress %.0f%%, avg score %.0f%%\n",
		view.SessionID, view.TotalParticipants, view.Stats.AverageProgress, view.Stats.AverageScore)
	fmt.Fprintln(tw, "#\tNAME\tSCORE\tPROGRESS\tLAST ANSWER")
	for i, p := range view.Participants {
		last := "-"
		if p.LastAnswerLabel != "" {
			last = p.LastAnswerLabel
			if p.LastAnswerCorrect != nil && *p.LastAnswerCorrect {
				last += " (correct)"
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%d/%d\t%.0f%%\t%s\n", i+1, p.DisplayName, p.Score, p.Attempted, p.Progress, last)
	}
	if view.Partial {
		fmt.Fprintln(tw, "(some sections unavailable)")
	}
	fmt.Fprintln(tw)
	return tw.Flush()
}
