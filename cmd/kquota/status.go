package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/goodtune/kquota/internal/config"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status PARENT_ID",
	Short:   "Show a family's quotas and requests",
	Long:    `Show each child's used and allowed minutes, the time left and any extra-time requests.`,
	Example: `  kquota -c config.yaml status parent_1`,
	Args:    cobra.ExactArgs(1),
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	children, err := store.Quotas().ReadFamily(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to read family: %w", err)
	}

	if len(children) == 0 {
		fmt.Fprintf(os.Stdout, "No children found for %s\n", args[0])
		return nil
	}

	printFamily(children)
	return nil
}

func printFamily(children []storage.ChildQuota) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = bold.Fprintln(w, "CHILD\tNAME\tAGE\tUSED\tLIMIT\tLEFT")
	for _, c := range children {
		left := formatRemaining(quota.NewCountdown(c.ChildID, c).Snapshot())
		fmt.Fprintf(w, "%s\t%s\t%d\t%dm\t%dm\t%s\n", c.ChildID, c.Name, c.Age, c.TotalUsedMinutes, c.LimitMinutes, left)
	}
	_ = w.Flush()

	for _, c := range children {
		if len(c.Requests) == 0 {
			continue
		}
		_, _ = bold.Printf("\nRequests for %s\n", c.Name)
		for _, r := range c.Requests {
			status := yellow
			switch r.Status {
			case storage.StatusApproved:
				status = green
			case storage.StatusDenied:
				status = red
			}
			fmt.Fprintf(os.Stdout, "  %s  %3dm  ", r.CreatedAt.Local().Format("15:04"), r.RequestedMinutes)
			_, _ = status.Printf("%-8s", r.Status)
			fmt.Fprintf(os.Stdout, "  %s", r.Reason)
			if r.DecisionMessage != "" {
				fmt.Fprintf(os.Stdout, "  (%s)", r.DecisionMessage)
			}
			fmt.Fprintln(os.Stdout)
		}
	}
}

// formatRemaining renders seconds as H:MM:SS, or "time's up" at zero.
func formatRemaining(seconds int64) string {
	if seconds <= 0 {
		return "time's up"
	}
	return fmt.Sprintf("%d:%02d:%02d", seconds/3600, seconds/60%60, seconds%60)
}
