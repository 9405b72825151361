package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/intake/internal/platform/auth"
)

// parseCutoff accepts RFC 3339 timestamps, plain dates, or a duration
// before now such as "720h".
func parseCutoff(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), nil
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid --before %q: want RFC 3339, YYYY-MM-DD or a duration", s)
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export terminal records to the archive sink and mark them archived",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("before")
			before, err := parseCutoff(raw, time.Now().UTC())
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := auth.WithIdentity(context.Background(), "archiver", []string{auth.RoleAdmin})
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.archival.Run(ctx, before)
			if err != nil {
				return err
			}
			ev := logger.Info().Str("sink", rep.Sink).Time("before", rep.Before).Int("skipped", rep.Skipped)
			for kind, n := range rep.Archived {
				ev = ev.Int(kind, n)
			}
			ev.Msg("archive run complete")
			return nil
		},
	}
	cmd.Flags().String("before", "", "Cutoff: RFC 3339 time, YYYY-MM-DD, or a duration before now (default now)")
	return cmd
}
