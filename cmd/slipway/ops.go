package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/slipway/internal/client"
	"github.com/artpar/slipway/internal/core/domain"
)

var (
	serverURL string
	opActor   string

	deployImage      string
	deployGitURL     string
	deployGitRef     string
	deployVersion    string
	deployTeam       string
	deploySkipHealth bool

	rollbackReason string
	historyLimit   int
)

func init() {
	for _, cmd := range []*cobra.Command{deployCmd, promoteCmd, rollbackCmd, statusCmd, cleanupCmd, historyCmd, environmentsCmd} {
		cmd.Flags().StringVar(&serverURL, "server", envOrDefault("SLIPWAY_SERVER", "http://localhost:8080"), "Slipway server URL")
	}
	for _, cmd := range []*cobra.Command{deployCmd, promoteCmd, rollbackCmd} {
		cmd.Flags().StringVar(&opActor, "actor", "", "Actor recorded on the operation (defaults to the OS user)")
	}

	deployCmd.Flags().StringVar(&deployImage, "image", "", "Prebuilt image ref to deploy")
	deployCmd.Flags().StringVar(&deployGitURL, "git-url", "", "Git repository to build from")
	deployCmd.Flags().StringVar(&deployGitRef, "git-ref", "", "Git ref to build (default: HEAD)")
	deployCmd.Flags().StringVar(&deployVersion, "release-version", "", "Release version label")
	deployCmd.Flags().StringVar(&deployTeam, "team", "", "Owning team, recorded on first deploy")
	deployCmd.Flags().BoolVar(&deploySkipHealth, "skip-health-check", false, "Do not wait for the release to report healthy")

	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", "", "Why traffic is being rolled back")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of runs to show")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func actor() string {
	if opActor != "" {
		return opActor
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func apiClient() *client.Client {
	return client.New(client.Config{BaseURL: serverURL})
}

// =============================================================================
// deploy
// =============================================================================

var deployCmd = &cobra.Command{
	Use:   "deploy <project> <environment>",
	Short: "Deploy a release dark into the non-active slot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiClient().Deploy(context.Background(), args[0], args[1], client.DeployParams{
			ImageRef:        deployImage,
			GitURL:          deployGitURL,
			GitRef:          deployGitRef,
			Version:         deployVersion,
			Team:            deployTeam,
			Actor:           actor(),
			SkipHealthCheck: deploySkipHealth,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Deployed into slot %s (run %s)\n", result.Slot, result.RunID)
		fmt.Printf("Preview: http://%s\n", result.Preview)
		fmt.Println("Run 'slipway promote' to switch live traffic.")
		return nil
	},
}

// =============================================================================
// promote
// =============================================================================

var promoteCmd = &cobra.Command{
	Use:   "promote <project> <environment>",
	Short: "Switch live traffic to the deployed slot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiClient().Promote(context.Background(), args[0], args[1], actor())
		if err != nil {
			return err
		}
		fmt.Printf("Promoted slot %s (version %s)\n", result.ActiveSlot, result.ActiveVersion)
		if result.PreviousVersion != "" {
			fmt.Printf("Previous version %s stays available for rollback.\n", result.PreviousVersion)
		}
		return nil
	},
}

// =============================================================================
// rollback
// =============================================================================

var rollbackCmd = &cobra.Command{
	Use:   "rollback <project> <environment>",
	Short: "Restore live traffic to the previous release",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiClient().Rollback(context.Background(), args[0], args[1], actor(), rollbackReason)
		if err != nil {
			return err
		}
		fmt.Printf("Rolled back to slot %s (version %s)\n", result.ActiveSlot, result.ActiveVersion)
		return nil
	},
}

// =============================================================================
// status
// =============================================================================

var statusCmd = &cobra.Command{
	Use:   "status <project> <environment>",
	Short: "Show slot states and live health",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := apiClient().Status(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		ps := report.Slots
		fmt.Printf("%s/%s on %s (active: %s)\n", ps.Project, ps.Environment, ps.Host, orNone(ps.Active))
		for _, slot := range []domain.Slot{ps.Blue, ps.Green} {
			live := report.LiveHealth[slot.Name]
			if live == "" {
				live = "-"
			}
			fmt.Printf("  %-5s  %-8s  port %d  version %-12s  stored health %-9s  live %s\n",
				slot.Name, slot.State, slot.Port, orNone(slot.ReleaseVersion), slot.Health, live)
			if slot.GraceExpiresAt != nil {
				fmt.Printf("         rollback window until %s\n", slot.GraceExpiresAt.Format(time.RFC3339))
			}
		}
		return nil
	},
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// =============================================================================
// cleanup
// =============================================================================

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <project> <environment>",
	Short: "Reset expired grace slots and tear down their releases",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiClient().Cleanup(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		if len(result.Cleaned) == 0 {
			fmt.Println("Nothing to clean up.")
			return nil
		}
		for _, slot := range result.Cleaned {
			fmt.Printf("Reset slot %s to empty\n", slot)
		}
		return nil
	},
}

// =============================================================================
// history
// =============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <project> <environment>",
	Short: "Show recent deployment runs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := apiClient().History(context.Background(), args[0], args[1], historyLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No deployment runs recorded.")
			return nil
		}
		for _, run := range runs {
			line := fmt.Sprintf("%s  %-11s  slot %-5s  %s",
				run.CreatedAt.Format(time.RFC3339), run.Status, orNone(run.Slot), orNone(run.ImageRef))
			if run.Status == domain.RunFailed {
				line += fmt.Sprintf("  failed at %s", orNone(run.FailedStep()))
			}
			fmt.Println(line)
		}
		return nil
	},
}

// =============================================================================
// environments
// =============================================================================

var environmentsCmd = &cobra.Command{
	Use:   "environments",
	Short: "List every provisioned environment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		envs, err := apiClient().ListEnvironments(context.Background())
		if err != nil {
			return err
		}
		if len(envs) == 0 {
			fmt.Println("No environments provisioned.")
			return nil
		}
		for _, ps := range envs {
			active := "(none)"
			if slot := ps.ActiveSlot(); slot != nil {
				active = fmt.Sprintf("%s@%s", slot.Name, slot.ReleaseVersion)
			}
			fmt.Printf("%-20s %-12s host %-10s active %s\n", ps.Project, ps.Environment, ps.Host, active)
		}
		return nil
	},
}
