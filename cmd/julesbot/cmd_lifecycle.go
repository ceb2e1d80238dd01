package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd, statusCmd)
	stopCmd.Flags().Duration("wait", 0, "wait up to this long for the server to exit")
}

var errNotRunning = errors.New("julesbot is not running")

// daemon locates the serve process through its PID file. A PID whose
// process no longer answers signal 0 is reported as not running.
func daemon() (*os.Process, error) {
	cfg := loadConfig()

	data, err := os.ReadFile(pidPath(cfg.DataDir))
	if os.IsNotExist(err) {
		return nil, errNotRunning
	}
	if err != nil {
		return nil, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid PID file content: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("%w (stale PID %d)", errNotRunning, pid)
	}
	return proc, nil
}

func signalDaemon(sig syscall.Signal, verb string) error {
	proc, err := daemon()
	if err != nil {
		return err
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("send %s: %w", sig, err)
	}
	fmt.Fprintf(os.Stdout, "%s julesbot (PID %d).\n", verb, proc.Pid)
	return nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")
		if err := signalDaemon(syscall.SIGTERM, "Stopping"); err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		// in-flight reconcile checks and decision loop runs drain on SIGTERM
		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			if _, err := daemon(); errors.Is(err, errNotRunning) {
				fmt.Fprintln(os.Stdout, "Stopped.")
				return nil
			}
			time.Sleep(200 * time.Millisecond)
		}
		return fmt.Errorf("julesbot still running after %s", wait)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Re-exec the running server with a fresh config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(syscall.SIGHUP, "Restarting")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the server is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := daemon()
		if errors.Is(err, errNotRunning) {
			fmt.Fprintln(os.Stdout, err)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "julesbot is running (PID %d).\n", proc.Pid)
		return nil
	},
}
