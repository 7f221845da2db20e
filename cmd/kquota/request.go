package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/kquota/internal/config"
	"github.com/goodtune/kquota/internal/oracle"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/spf13/cobra"
)

var (
	requestMinutes int
	requestReason  string
	requestAppID   string
	requestAppName string
	requestResolve bool
)

var requestCmd = &cobra.Command{
	Use:   "request [flags] CHILD_ID",
	Short: "Submit an extra-time request",
	Long: `Submit an extra-time request for a child against the configured store and,
with --resolve, decide it immediately with the configured oracle.`,
	Example: `  kquota request c1 --minutes 30 --reason "finishing my homework video"
  kquota -c config.yaml request c1 --minutes 15 --reason "movie ending" --app-name Netflix --resolve`,
	Args: cobra.ExactArgs(1),
	RunE: runRequest,
}

func init() {
	requestCmd.Flags().IntVar(&requestMinutes, "minutes", 0, "Minutes requested (required)")
	requestCmd.Flags().StringVar(&requestReason, "reason", "", "Why the child needs more time")
	requestCmd.Flags().StringVar(&requestAppID, "app-id", "", "Activity the time is for (optional)")
	requestCmd.Flags().StringVar(&requestAppName, "app-name", "", "Display name of the activity (optional)")
	requestCmd.Flags().BoolVar(&requestResolve, "resolve", false, "Decide the request immediately")
	_ = requestCmd.MarkFlagRequired("minutes")
	rootCmd.AddCommand(requestCmd)
}

func runRequest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	engine, err := openEngine(cfg, store, requestResolve)
	if err != nil {
		return err
	}
	defer engine.Stop()

	ctx := cmd.Context()
	created, err := engine.Workflow.Submit(ctx, quota.SubmitRequest{
		ChildID:          args[0],
		RequestedMinutes: requestMinutes,
		Reason:           requestReason,
		AppID:            requestAppID,
		AppName:          requestAppName,
	})
	if err != nil {
		return fmt.Errorf("failed to submit request: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Request %s submitted: %d minutes for %s\n", created.ID, created.RequestedMinutes, created.ChildID)

	if !requestResolve {
		return nil
	}

	return resolveAndPrint(ctx, engine, created.ID)
}

// openEngine builds a quota engine for one-shot commands. Parent verdicts
// arrive over the API, so a parent oracle is refused when decide is set.
func openEngine(cfg *config.Config, store storage.Store, decide bool) (*quota.Engine, error) {
	logger := quietLogger()

	var (
		o      oracle.Oracle
		budget = config.ParseDuration(cfg.Oracle.Timeout, quota.DefaultOracleTimeout)
	)
	if decide {
		set, err := oracle.New(cfg.Oracle, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize oracle: %w", err)
		}
		if set.Parent != nil {
			return nil, fmt.Errorf("oracle %q waits for a parent; resolve through the running server instead", set.Oracle.Name())
		}
		o, budget = set.Oracle, set.Budget
	} else {
		o = oracle.NewChain(logger)
	}

	engine, err := quota.NewEngine(store, o, quota.OptionsFromConfig(cfg.Quota, budget), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize quota engine: %w", err)
	}
	return engine, nil
}

func resolveAndPrint(ctx context.Context, engine *quota.Engine, requestID string) error {
	decision, err := engine.Workflow.Resolve(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to resolve request: %w", err)
	}

	status := color.New(color.FgRed, color.Bold)
	if decision.Status == storage.StatusApproved {
		status = color.New(color.FgGreen, color.Bold)
	}

	_, _ = status.Printf("%s", decision.Status)
	fmt.Fprintf(os.Stdout, ": %s\n", decision.Message)
	if decision.Fallback {
		_, _ = color.New(color.FgYellow).Println("(the oracle could not be reached; this is the fallback answer)")
	}
	return nil
}
