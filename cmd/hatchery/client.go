package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nbforge/hatchery/pkg/client"
	"github.com/nbforge/hatchery/pkg/notebook"
	"github.com/nbforge/hatchery/pkg/types"
)

func init() {
	runCmd.Flags().String("code", "", "Code to execute instead of the cell's source (required for index -1)")
	runCmd.Flags().String("env-root", "", "Virtualenv root for the kernel")
	runCmd.Flags().Int("timeout", 600, "Seconds to wait for the task to finish")

	stopCmd.Flags().Bool("cleanup-assets", false, "Also delete the notebook's offloaded assets")

	syncCmd.Flags().String("strategy", "smart", "minimal_append, smart, incremental, full, or force")

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(syncCmd)
}

func dialServer(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, addr, token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server at %s: %w", addr, err)
	}
	return c, nil
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live kernel sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialServer(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sessions, err := c.ListSessions(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions running.")
			return nil
		}
		fmt.Printf("%-50s %-10s %-8s %-6s %-6s\n", "NOTEBOOK", "STATE", "PID", "EXECS", "QUEUE")
		for _, s := range sessions {
			fmt.Printf("%-50s %-10s %-8d %-6d %-6d\n",
				s.NotebookPath, s.State, s.KernelPID, s.ExecutionCount, s.QueueDepth)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <notebook> <cell-index>",
	Short: "Execute one cell and stream its output",
	Long: `Execute a cell against the notebook's session, starting the session
if needed, and stream output until the task finishes. Cell index -1
runs scratch code (pass it with --code) without touching the file.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		notebookPath := args[0]
		cellIndex, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("cell index %q is not a number", args[1])
		}
		code, _ := cmd.Flags().GetString("code")
		if code == "" {
			if cellIndex < 0 {
				return fmt.Errorf("cell index -1 needs --code")
			}
			nb, err := notebook.Read(notebookPath)
			if err != nil {
				return fmt.Errorf("failed to read notebook: %w", err)
			}
			cell, err := nb.CellAt(cellIndex)
			if err != nil {
				return err
			}
			code = cell.Source.String()
		}
		envRoot, _ := cmd.Flags().GetString("env-root")
		timeoutSec, _ := cmd.Flags().GetInt("timeout")

		c, err := dialServer(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
		defer cancel()

		info, err := c.StartSession(ctx, notebookPath, client.StartOptions{EnvRoot: envRoot})
		if err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		if err := c.Subscribe(ctx, info.NotebookPath); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		taskID, err := c.Submit(ctx, notebookPath, cellIndex, code, "")
		if err != nil {
			return err
		}

		for {
			select {
			case <-ctx.Done():
				return fmt.Errorf("timed out waiting for task %s", taskID)
			case n, ok := <-c.Notifications():
				if !ok {
					return fmt.Errorf("connection closed while waiting for task %s", taskID)
				}
				done, err := renderNotification(n, taskID)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		}
	},
}

// renderNotification prints one streamed notification. Returns done
// when the watched task reaches a terminal status.
func renderNotification(n *client.Notification, taskID string) (bool, error) {
	switch n.Method {
	case types.NotifyOutput:
		var p types.OutputNotification
		if err := json.Unmarshal(n.Params, &p); err != nil || p.TaskID != taskID || p.Output == nil {
			return false, nil
		}
		printOutput(p.Output)
	case types.NotifyStatus:
		var p types.StatusNotification
		if err := json.Unmarshal(n.Params, &p); err != nil || p.TaskID != taskID {
			return false, nil
		}
		if !p.Status.IsTerminal() {
			return false, nil
		}
		switch p.Status {
		case types.TaskCompleted:
			fmt.Printf("✓ Task %s completed", taskID)
			if p.ExecutionCount > 0 {
				fmt.Printf(" [%d]", p.ExecutionCount)
			}
			fmt.Println()
			return true, nil
		default:
			return true, fmt.Errorf("task %s %s: %s", taskID, p.Status, p.ErrorMessage)
		}
	case types.NotifyInputRequest:
		var p types.InputRequestNotification
		if err := json.Unmarshal(n.Params, &p); err == nil {
			fmt.Fprintf(os.Stderr, "(kernel is waiting for input: %q; answer with submit_input)\n", p.Prompt)
		}
	case types.NotifyLinearityWarning:
		var p types.LinearityWarningNotification
		if err := json.Unmarshal(n.Params, &p); err == nil {
			fmt.Fprintf(os.Stderr, "warning: %s\n", p.Message)
		}
	}
	return false, nil
}

func printOutput(out *notebook.Output) {
	switch out.OutputType {
	case notebook.OutputTypeStream:
		w := os.Stdout
		if out.Name == "stderr" {
			w = os.Stderr
		}
		fmt.Fprint(w, out.Text.String())
	case notebook.OutputTypeExecuteResult, notebook.OutputTypeDisplayData:
		if text, ok := out.DataString("text/plain"); ok {
			fmt.Println(text)
		} else {
			fmt.Println("(non-text output)")
		}
	case notebook.OutputTypeError:
		fmt.Fprintf(os.Stderr, "%s: %s\n", out.Ename, out.Evalue)
		for _, line := range out.Traceback {
			fmt.Fprintln(os.Stderr, line)
		}
	}
}

var stopCmd = &cobra.Command{
	Use:   "stop <notebook>",
	Short: "Stop a notebook's session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cleanup, _ := cmd.Flags().GetBool("cleanup-assets")
		c, err := dialServer(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := c.StopSession(ctx, args[0], cleanup); err != nil {
			return err
		}
		fmt.Printf("✓ Session stopped for %s\n", args[0])
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <notebook>",
	Short: "Re-execute cells whose source drifted from their outputs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		c, err := dialServer(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		report, err := c.DetectSync(ctx, args[0], nil)
		if err != nil {
			return err
		}
		if !report.SyncNeeded {
			fmt.Println("Notebook is in sync.")
			if strategy != string(types.SyncForce) && strategy != string(types.SyncMinimalAppend) &&
				strategy != string(types.SyncFull) {
				return nil
			}
		} else {
			fmt.Printf("Changed cells: %v\n", report.ChangedCells)
		}

		result, err := c.Resync(ctx, args[0], types.SyncStrategy(strategy))
		if err != nil {
			return err
		}
		fmt.Printf("✓ Queued %d cell(s), skipped %d\n", result.QueuedCount, result.SkippedCount)
		return nil
	},
}
