package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/taskpilot/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the taskpilot daemon is running",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	pid, err := daemonPID()
	if err != nil {
		cmd.Println("taskpilot daemon is not running")
		return nil
	}

	if !processAlive(pid) {
		cmd.Printf("taskpilot daemon is not running (stale PID file, pid %d)\n", pid)
		return nil
	}

	cmd.Printf("taskpilot daemon is running (pid %d)\n", pid)
	return nil
}

// daemonPID reads the PID file from the configured data directory.
func daemonPID() (int, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return 0, err
	}

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "taskpilot.pid"))
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
