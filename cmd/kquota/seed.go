package main

import (
	"fmt"
	"os"

	"github.com/goodtune/kquota/internal/config"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/spf13/cobra"
)

var (
	seedParent string
	seedName   string
	seedAge    int
	seedUsed   int
	seedLimit  int
)

var seedCmd = &cobra.Command{
	Use:   "seed [flags] CHILD_ID",
	Short: "Create or update a child's quota",
	Long: `Create or update a child's quota record. The daily usage figure is
normally written by the tracker that watches the devices; seed sets it by hand.`,
	Example: `  kquota seed c1 --parent parent_1 --name Emma --age 10 --used 145 --limit 180`,
	Args:    cobra.ExactArgs(1),
	RunE:    runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedParent, "parent", "", "Parent the child belongs to (required)")
	seedCmd.Flags().StringVar(&seedName, "name", "", "Display name")
	seedCmd.Flags().IntVar(&seedAge, "age", 0, "Age in years")
	seedCmd.Flags().IntVar(&seedUsed, "used", 0, "Minutes already used today")
	seedCmd.Flags().IntVar(&seedLimit, "limit", 120, "Daily limit in minutes")
	_ = seedCmd.MarkFlagRequired("parent")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	if seedUsed < 0 || seedLimit < 0 || seedAge < 0 {
		return fmt.Errorf("seed values must not be negative")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	name := seedName
	if name == "" {
		name = args[0]
	}

	child := storage.ChildQuota{
		ChildID:          args[0],
		ParentID:         seedParent,
		Name:             name,
		Age:              seedAge,
		TotalUsedMinutes: seedUsed,
		LimitMinutes:     seedLimit,
	}
	if err := store.Quotas().UpsertChild(cmd.Context(), child); err != nil {
		return fmt.Errorf("failed to save child: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Saved %s (%s): %d of %d minutes used\n", child.ChildID, child.Name, child.TotalUsedMinutes, child.LimitMinutes)
	return nil
}
