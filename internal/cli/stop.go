package cli

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running taskpilot daemon",
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pid, err := daemonPID()
	if err != nil {
		return fmt.Errorf("daemon does not appear to be running: %w", err)
	}

	if !processAlive(pid) {
		return fmt.Errorf("daemon is not running (stale PID file, pid %d)", pid)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal daemon: %w", err)
	}

	cmd.Printf("Sent SIGTERM to taskpilot daemon (pid %d)\n", pid)
	return nil
}
