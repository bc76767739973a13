package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bookdrop/internal/bypass"
	"github.com/jackzampolin/bookdrop/internal/config"
)

var bypassCmd = &cobra.Command{
	Use:   "bypass",
	Short: "Manage the FlareSolverr container",
	Long: `Manage the FlareSolverr container used to get past anti-bot pages.

'bookdrop serve' manages the container itself when bypass.manage_container
is set. These commands are for running it separately.

Examples:
  bookdrop bypass start   # Start the container
  bookdrop bypass stop    # Stop the container
  bookdrop bypass status  # Check container status
  bookdrop bypass logs    # View container logs`,
}

var bypassStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the FlareSolverr container",
	Long: `Start the FlareSolverr container.

If the container doesn't exist, it will be created and started.
If it exists but is stopped, it will be started.
If it's already running, this is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDockerManager(cmd.Context(), func(ctx context.Context, mgr *bypass.DockerManager) error {
			fmt.Println("Starting FlareSolverr...")
			if err := mgr.Start(ctx); err != nil {
				return fmt.Errorf("failed to start FlareSolverr: %w", err)
			}
			fmt.Printf("FlareSolverr is running at %s\n", mgr.URL())
			return nil
		})
	},
}

var bypassStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the FlareSolverr container",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDockerManager(cmd.Context(), func(ctx context.Context, mgr *bypass.DockerManager) error {
			fmt.Println("Stopping FlareSolverr...")
			if err := mgr.Stop(ctx); err != nil {
				return fmt.Errorf("failed to stop FlareSolverr: %w", err)
			}
			fmt.Println("FlareSolverr stopped")
			return nil
		})
	},
}

var bypassStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show FlareSolverr container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDockerManager(cmd.Context(), func(ctx context.Context, mgr *bypass.DockerManager) error {
			status, err := mgr.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			switch status {
			case bypass.StatusRunning:
				fmt.Printf("Status: %s\n", status)
				fmt.Printf("URL: %s\n", mgr.URL())

				client := bypass.NewClient(bypass.Config{URL: mgr.URL()})
				if err := client.Available(ctx); err != nil {
					fmt.Printf("Health: unhealthy (%v)\n", err)
				} else {
					fmt.Println("Health: healthy")
				}
			case bypass.StatusStopped:
				fmt.Printf("Status: %s (use 'bookdrop bypass start' to start)\n", status)
			case bypass.StatusNotFound:
				fmt.Printf("Status: %s (use 'bookdrop bypass start' to create)\n", status)
			default:
				fmt.Printf("Status: %s\n", status)
			}
			return nil
		})
	},
}

var logsTail string

var bypassLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show FlareSolverr container logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDockerManager(cmd.Context(), func(ctx context.Context, mgr *bypass.DockerManager) error {
			logs, err := mgr.Logs(ctx, logsTail)
			if err != nil {
				return fmt.Errorf("failed to get logs: %w", err)
			}
			fmt.Print(logs)
			return nil
		})
	},
}

var bypassRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the FlareSolverr container",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDockerManager(cmd.Context(), func(ctx context.Context, mgr *bypass.DockerManager) error {
			fmt.Println("Removing FlareSolverr container...")
			if err := mgr.Remove(ctx); err != nil {
				return fmt.Errorf("failed to remove container: %w", err)
			}
			fmt.Println("FlareSolverr container removed")
			return nil
		})
	},
}

var bypassWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for FlareSolverr to be ready",
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return withDockerManager(cmd.Context(), func(ctx context.Context, mgr *bypass.DockerManager) error {
			fmt.Printf("Waiting for FlareSolverr (timeout: %s)...\n", timeout)
			if err := mgr.WaitReady(ctx, timeout); err != nil {
				return fmt.Errorf("FlareSolverr not ready: %w", err)
			}
			fmt.Println("FlareSolverr is ready")
			return nil
		})
	},
}

func init() {
	bypassCmd.AddCommand(bypassStartCmd)
	bypassCmd.AddCommand(bypassStopCmd)
	bypassCmd.AddCommand(bypassStatusCmd)
	bypassCmd.AddCommand(bypassLogsCmd)
	bypassCmd.AddCommand(bypassRemoveCmd)
	bypassCmd.AddCommand(bypassWaitCmd)

	bypassLogsCmd.Flags().StringVar(&logsTail, "tail", "100", "Number of lines to show from the end")
	bypassWaitCmd.Flags().Duration("timeout", 60*time.Second, "Timeout waiting for FlareSolverr")

	rootCmd.AddCommand(bypassCmd)
}

// withDockerManager builds a DockerManager from the bypass config and closes
// it after fn returns.
func withDockerManager(ctx context.Context, fn func(context.Context, *bypass.DockerManager) error) error {
	h, err := getHome()
	if err != nil {
		return err
	}
	cm, err := config.NewManager(cfgFile, ".env", h.EnvPath())
	if err != nil {
		return err
	}
	cfg := cm.Get().Bypass

	mgr, err := bypass.NewDockerManager(bypass.DockerConfig{
		ContainerName: cfg.ContainerName,
		Image:         cfg.Image,
		HostPort:      cfg.Port,
		LogLevel:      cfg.LogLevel,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	return fn(ctx, mgr)
}
