package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/statecache/internal/chat"
)

func (c *CLI) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run write/read rounds across the farm and report inconsistent views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			log, err := c.logger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			f, err := chat.New(ctx, cfg, chat.NewDB(time.Now().UTC()), log)
			if err != nil {
				return err
			}
			defer f.Close(ctx)

			rep, err := f.Run(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "rounds=%d reads=%d mismatches=%d db_reads=%v\n",
				rep.Rounds, rep.Reads, rep.Mismatches, rep.DBReads)
			if rep.Mismatches > 0 {
				return fmt.Errorf("%d inconsistent views", rep.Mismatches)
			}
			return nil
		},
	}
	cmd.Flags().Int("rounds", chat.DefaultConfig().Rounds, "write/read rounds")
	_ = c.v.BindPFlag("rounds", cmd.Flags().Lookup("rounds"))
	return cmd
}
