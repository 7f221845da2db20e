package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kquota/internal/oracle"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/goodtune/kquota/internal/storage/memory"
	"github.com/spf13/cobra"
)

var (
	demoTick  time.Duration
	demoTicks int
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk through a request lifecycle in memory",
	Long: `Run an in-memory family through a countdown, an approved request and a
denied request, decided by the built-in policy. Nothing is persisted.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().DurationVar(&demoTick, "tick", 50*time.Millisecond, "Countdown tick interval")
	demoCmd.Flags().IntVar(&demoTicks, "ticks", 10, "Ticks to wait before requesting more time")
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := quietLogger()
	heading := color.New(color.FgCyan, color.Bold)

	store := memory.New()
	if err := store.Quotas().UpsertChild(ctx, storage.ChildQuota{
		ChildID:          "emma",
		ParentID:         "demo",
		Name:             "Emma",
		Age:              10,
		TotalUsedMinutes: 145,
		LimitMinutes:     180,
	}); err != nil {
		return err
	}

	policy, err := oracle.NewPolicyOracle("", 60, logger)
	if err != nil {
		return fmt.Errorf("failed to load built-in policy: %w", err)
	}

	engine, err := quota.NewEngine(store, oracle.Instrument(policy), quota.Options{TickInterval: demoTick}, logger)
	if err != nil {
		return err
	}
	defer engine.Stop()

	_, _ = heading.Println("Emma opens the dashboard")
	cd, err := engine.Registry.Open(ctx, "emma")
	if err != nil {
		return err
	}
	defer engine.Registry.Close("emma")
	fmt.Fprintf(os.Stdout, "  %s left\n", formatRemaining(cd.Snapshot()))

	time.Sleep(time.Duration(demoTicks) * demoTick)
	fmt.Fprintf(os.Stdout, "  after %d ticks: %s left\n", demoTicks, formatRemaining(cd.Snapshot()))

	_, _ = heading.Println("\nEmma asks for 30 more minutes")
	if err := demoRequest(ctx, engine, "I want to finish my science video", 30); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "  now %s left\n", formatRemaining(cd.Snapshot()))

	_, _ = heading.Println("\nEmma asks for 30 more minutes without saying why")
	if err := demoRequest(ctx, engine, "", 30); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "  still %s left\n", formatRemaining(cd.Snapshot()))

	children, err := engine.Family(ctx, "demo")
	if err != nil {
		return err
	}
	_, _ = heading.Println("\nFamily status")
	printFamily(children)

	return nil
}

func demoRequest(ctx context.Context, engine *quota.Engine, reason string, minutes int) error {
	req, err := engine.Workflow.Submit(ctx, quota.SubmitRequest{
		ChildID:          "emma",
		RequestedMinutes: minutes,
		Reason:           reason,
	})
	if err != nil {
		return err
	}
	return resolveAndPrint(ctx, engine, req.ID)
}
