package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/tabflow/internal/config"
	"github.com/lazypower/tabflow/internal/engine"
	"github.com/lazypower/tabflow/internal/feed"
)

const requestTimeout = 10 * time.Second

// withClient runs fn against the daemon with a bounded context.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *feed.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	return fn(ctx, feed.NewClient(serverURL))
}

// --- status command ---

var statusAll bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tracked tabs, scores and queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *feed.Client) error {
			snap, err := c.Snapshot(ctx)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), snap, statusAll)
		})
	},
}

// --- history command ---

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List reclaimed tabs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *feed.Client) error {
			h, err := c.History(ctx, historyLimit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), h, time.Now())
		})
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the whole reclaimed-tab history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *feed.Client) error {
			n, err := c.ClearHistory(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries.\n", n)
			return nil
		})
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one history entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *feed.Client) error {
			return c.DeleteHistory(ctx, id)
		})
	},
}

// --- restore command ---

var restoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Reopen a reclaimed tab",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *feed.Client) error {
			if err := c.Restore(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d.\n", id)
			return nil
		})
	},
}

// --- event command ---

var (
	eventValue bool
	eventURL   string
	eventTitle string
)

var eventCmd = &cobra.Command{
	Use:   "event <kind> [handle]",
	Short: "Send an activity event to the daemon",
	Long: "Send an activity event. Kinds: created, removed, activated, media, form, " +
		"transfer_started, transfer_ended, protected, updated.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := engine.ParseEventKind(args[0]); err != nil {
			return err
		}
		ev := feed.Event{Kind: args[0], Value: eventValue, URL: eventURL, Title: eventTitle}
		if len(args) == 2 {
			h, err := parseID(args[1])
			if err != nil {
				return fmt.Errorf("handle: %w", err)
			}
			ev.Handle = h
		}
		return withClient(cmd, func(ctx context.Context, c *feed.Client) error {
			return c.SendEvent(ctx, ev)
		})
	},
}

// --- policy commands ---

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show the active reclamation policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *feed.Client) error {
			p, err := c.Policy(ctx)
			if err != nil {
				return err
			}
			return printPolicy(cmd.OutOrStdout(), p)
		})
	},
}

var policyPresetCmd = &cobra.Command{
	Use:       "preset <level>",
	Short:     "Switch to an aggressiveness preset (high, medium, low)",
	Args:      cobra.ExactArgs(1),
	ValidArgs: config.Levels,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *feed.Client) error {
			p, err := c.ApplyPreset(ctx, args[0])
			if err != nil {
				return err
			}
			return printPolicy(cmd.OutOrStdout(), p)
		})
	},
}

var (
	policyThreshold     float64
	policyCountdown     float64
	policyBatchInterval float64
	policyProtected     []string
)

var policySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change individual policy values",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *feed.Client) error {
			p, err := c.Policy(ctx)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("threshold") {
				p.InactiveThreshold = policyThreshold
			}
			if flags.Changed("countdown") {
				p.CountdownMinutes = policyCountdown
			}
			if flags.Changed("batch-interval") {
				p.BatchIntervalMinutes = policyBatchInterval
			}
			if flags.Changed("protect") {
				p.ProtectedDomains = policyProtected
			}
			p, err = c.SetPolicy(ctx, p)
			if err != nil {
				return err
			}
			return printPolicy(cmd.OutOrStdout(), p)
		})
	},
}

// --- reset command ---

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset every tab score to the maximum",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *feed.Client) error {
			return c.ResetScores(ctx)
		})
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusAll, "all", "a", false, "include live tabs, not just queued ones")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of entries (0 for all)")
	historyCmd.AddCommand(historyClearCmd)
	historyCmd.AddCommand(historyDeleteCmd)

	eventCmd.Flags().BoolVar(&eventValue, "value", false, "flag value for media, form, activated and protected events")
	eventCmd.Flags().StringVar(&eventURL, "url", "", "tab URL for created and updated events")
	eventCmd.Flags().StringVar(&eventTitle, "title", "", "tab title for created and updated events")

	policySetCmd.Flags().Float64Var(&policyThreshold, "threshold", 0, "inactive threshold (0-1)")
	policySetCmd.Flags().Float64Var(&policyCountdown, "countdown", 0, "countdown minutes")
	policySetCmd.Flags().Float64Var(&policyBatchInterval, "batch-interval", 0, "minutes between batches")
	policySetCmd.Flags().StringSliceVar(&policyProtected, "protect", nil, "protected domains (replaces the list)")
	policyCmd.AddCommand(policyPresetCmd)
	policyCmd.AddCommand(policySetCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
