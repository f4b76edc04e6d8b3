package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alecgard/beacon/internal/alert"
	"github.com/alecgard/beacon/internal/config"
	"github.com/alecgard/beacon/internal/storage"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a starter set of alert rules",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func ptr[T any](v T) *T { return &v }

var demoRules = []alert.CreateRuleInput{
	{
		Name:                 "High error rate",
		MetricName:           "error_rate",
		Condition:            alert.ConditionGreater,
		Threshold:            ptr(5.0),
		WindowMinutes:        5,
		Severity:             alert.SeverityCritical,
		NotificationChannels: []string{"log"},
	},
	{
		Name:                 "Slow p95 latency",
		MetricName:           "response_time_p95",
		Condition:            alert.ConditionGreater,
		Threshold:            ptr(1000.0),
		WindowMinutes:        15,
		Severity:             alert.SeverityWarning,
		NotificationChannels: []string{"log"},
	},
	{
		Name:                 "Success rate dropped",
		MetricName:           "success_rate",
		Condition:            alert.ConditionLess,
		Threshold:            ptr(99.0),
		WindowMinutes:        60,
		Severity:             alert.SeverityWarning,
		NotificationChannels: []string{"log"},
	},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := storage.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	rules := alert.NewService(alert.NewStore(pool))

	// Check if seed has already run.
	existing, err := rules.List(ctx)
	if err != nil {
		return fmt.Errorf("checking existing rules: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("rules already exist, skipping seed")
		return nil
	}

	for _, input := range demoRules {
		r, err := rules.Create(ctx, input)
		if err != nil {
			return fmt.Errorf("creating rule %q: %w", input.Name, err)
		}
		slog.Info("created rule", "name", r.Name, "id", r.ID)
	}

	fmt.Printf("\n=== Demo Rules Seeded ===\n")
	fmt.Printf("Rules:     %d created\n", len(demoRules))
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -X POST http://localhost:8080/api/v1/ingest -d '{\"samples\":[{\"source_id\":\"api\",\"metric_name\":\"latency\",\"value\":120}]}'\n")
	return nil
}
