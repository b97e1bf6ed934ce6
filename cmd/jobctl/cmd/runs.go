package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/0xPuncker/reelforge/internal/client"
	"github.com/0xPuncker/reelforge/internal/tracker"
	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	followRun bool
	cancelAll bool
)

var runCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Queue a run of a job",
	Long: `Queue a run of a job. The run is remembered locally so it can be
followed later with "jobctl watch".

Example:
  jobctl run daily-short --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow every run started from this machine",
	Long:  `Resume tracking of runs that were still queued or processing and follow them until they finish.`,
	RunE:  runWatch,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel a run",
	Long:  `Mark a run as cancelled locally and ask the server to stop it. With --all every tracked run is cancelled.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCancel,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect runs on the server",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued and processing runs",
	RunE:  runRunsList,
}

var runsGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsGet,
}

var runsCancelAllCmd = &cobra.Command{
	Use:   "cancel-all",
	Short: "Cancel every queued and processing run on the server",
	Long:  `Cancel every active run on the server, including runs started elsewhere. Use "jobctl cancel --all" to cancel only the runs tracked on this machine.`,
	RunE:  runRunsCancelAll,
}

func init() {
	rootCmd.AddCommand(runCmd, watchCmd, cancelCmd, runsCmd)
	runsCmd.AddCommand(runsListCmd, runsGetCmd, runsCancelAllCmd)

	runCmd.Flags().BoolVarP(&followRun, "watch", "w", false, "follow the run until it finishes")
	cancelCmd.Flags().BoolVar(&cancelAll, "all", false, "cancel every tracked run")
}

func runRun(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	c := newClient()
	tr := newTracker(c)
	defer tr.Close()

	if followRun {
		tr.OnUpdate(printUpdate)
		// Listen before queuing so the first events are not missed.
		if err := tr.Connect(); err != nil {
			return err
		}
	}

	runID, err := c.RunJob(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	if err := tr.Start(jobID, runID); err != nil {
		return err
	}

	if !followRun {
		if IsJSONOutput() {
			return printJSON(map[string]string{"run_id": runID, "job_id": jobID})
		}
		fmt.Printf("Run queued: %s\n", runID)
		return nil
	}

	return waitFor(cmd.Context(), tr, []string{runID})
}

func runWatch(cmd *cobra.Command, args []string) error {
	tr := newTracker(newClient())
	defer tr.Close()
	tr.OnUpdate(printUpdate)

	n, err := tr.ResumeAll()
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("No runs to watch")
		return nil
	}

	var ids []string
	for _, r := range tr.Active() {
		printUpdate(r)
		ids = append(ids, r.RunID)
	}
	return waitFor(cmd.Context(), tr, ids)
}

func runCancel(cmd *cobra.Command, args []string) error {
	if !cancelAll && len(args) == 0 {
		return fmt.Errorf("a run id or --all is required")
	}

	c := newClient()
	tr := newTracker(c)
	defer tr.Close()

	if _, err := tr.ResumeAll(); err != nil {
		return err
	}

	if cancelAll {
		n := tr.CancelAll()
		fmt.Printf("Cancelled %d run(s)\n", n)
		return nil
	}

	runID := args[0]
	err := tr.Cancel(runID)
	if errors.Is(err, tracker.ErrNotTracked) {
		err = c.CancelRun(cmd.Context(), runID)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Run cancelled: %s\n", runID)
	return nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	runs, err := newClient().ListRuns(cmd.Context())
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No active runs")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Run ID", "Job ID", "Status", "Progress", "Queued", "Message")
	for _, r := range runs {
		table.Append(
			r.RunID,
			r.JobID,
			string(r.Status),
			strconv.Itoa(r.Progress)+"%",
			formatTime(r.QueuedAt),
			r.Message,
		)
	}
	table.Render()
	return nil
}

func runRunsGet(cmd *cobra.Command, args []string) error {
	run, err := newClient().GetRun(cmd.Context(), args[0])
	if client.IsNotFound(err) {
		return fmt.Errorf("run %s not found (finished runs are kept for a limited time)", args[0])
	}
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(run)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"Run ID", run.RunID})
	table.Append([]string{"Job ID", run.JobID})
	table.Append([]string{"Status", string(run.Status)})
	table.Append([]string{"Progress", strconv.Itoa(run.Progress) + "%"})
	table.Append([]string{"Queued", formatTime(run.QueuedAt)})
	if run.StartedAt != nil {
		table.Append([]string{"Started", formatTime(*run.StartedAt)})
	}
	if run.FinishedAt != nil {
		table.Append([]string{"Finished", formatTime(*run.FinishedAt)})
	}
	if run.OutputPath != "" {
		table.Append([]string{"Output", run.OutputPath})
	}
	if run.Error != "" {
		table.Append([]string{"Error", run.Error})
	}
	table.Render()
	return nil
}

func runRunsCancelAll(cmd *cobra.Command, args []string) error {
	if err := newClient().CancelAll(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Cancellation requested for all active runs")
	return nil
}

// waitFor blocks until every run finishes. Interrupting leaves the runs
// tracked so "jobctl watch" can pick them up again.
func waitFor(ctx context.Context, tr *tracker.Tracker, runIDs []string) error {
	failed := 0
	for _, id := range runIDs {
		r, err := tr.Wait(ctx, id)
		if errors.Is(err, context.Canceled) {
			fmt.Println("\nStopped watching; runs keep going. Resume with: jobctl watch")
			return nil
		}
		if err != nil {
			return err
		}
		if r.Status == types.RunStatusFailed {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d run(s) failed", failed)
	}
	return nil
}

func printUpdate(r tracker.Run) {
	if IsJSONOutput() {
		_ = printJSON(r)
		return
	}

	line := fmt.Sprintf("%s  %-10s %3d%%  %s", shortID(r.RunID), r.Status, r.Progress, r.Message)
	if r.OutputPath != "" {
		line += "  -> " + r.OutputPath
	}
	fmt.Println(line)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
