package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	jobFile     string
	jobName     string
	jobTopic    string
	jobSchedule string
	jobEnabled  bool
	jobDisabled bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage the job catalog",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job",
	Long: `Create a job from a JSON definition file or from flags.

Example:
  jobctl jobs create --file job.json
  jobctl jobs create --name "Daily short" --topic "space facts" --schedule "0 9 * * *"`,
	RunE: runJobsCreate,
}

var jobsUpdateCmd = &cobra.Command{
	Use:   "update <job-id>",
	Short: "Update a job",
	Long: `Apply a partial update. --file takes a JSON patch; a config in the patch
replaces the job's whole config.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsUpdate,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsDuplicateCmd = &cobra.Command{
	Use:   "duplicate <job-id>",
	Short: "Copy a job under a new id",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDuplicate,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsCreateCmd, jobsUpdateCmd, jobsDeleteCmd, jobsDuplicateCmd)

	jobsCreateCmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON job definition")
	jobsCreateCmd.Flags().StringVar(&jobName, "name", "", "job name")
	jobsCreateCmd.Flags().StringVar(&jobTopic, "topic", "", "content topic")
	jobsCreateCmd.Flags().StringVar(&jobSchedule, "schedule", "", "cron schedule (5 fields)")
	jobsCreateCmd.Flags().BoolVar(&jobDisabled, "disabled", false, "create the job disabled")

	jobsUpdateCmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON patch")
	jobsUpdateCmd.Flags().StringVar(&jobName, "name", "", "new name")
	jobsUpdateCmd.Flags().StringVar(&jobSchedule, "schedule", "", "new cron schedule")
	jobsUpdateCmd.Flags().BoolVar(&jobEnabled, "enable", false, "enable the job")
	jobsUpdateCmd.Flags().BoolVar(&jobDisabled, "disable", false, "disable the job")
	jobsUpdateCmd.MarkFlagsMutuallyExclusive("enable", "disable")

	jobsDuplicateCmd.Flags().StringVar(&jobName, "name", "", "name of the copy")
}

func runJobsList(cmd *cobra.Command, args []string) error {
	jobs, err := newClient().ListJobs(cmd.Context())
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs in catalog")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Enabled", "Schedule", "Last Run", "Status", "Runs")
	for _, job := range jobs {
		lastRun := "-"
		if job.LastRun != nil {
			lastRun = formatTime(*job.LastRun)
		}
		schedule := job.Schedule
		if schedule == "" {
			schedule = "-"
		}
		table.Append(
			job.ID,
			job.Name,
			strconv.FormatBool(job.Enabled),
			schedule,
			lastRun,
			string(job.LastStatus),
			strconv.Itoa(job.RunCount),
		)
	}
	table.Render()
	fmt.Printf("\nTotal jobs: %d\n", len(jobs))
	return nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	job, err := newClient().GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	printJob(job)
	return nil
}

func runJobsCreate(cmd *cobra.Command, args []string) error {
	var def types.JobDefinition
	if jobFile != "" {
		if err := readJSONFile(jobFile, &def); err != nil {
			return err
		}
	} else {
		if jobName == "" {
			return fmt.Errorf("--name or --file is required")
		}
		def = types.JobDefinition{
			Name:     jobName,
			Enabled:  !jobDisabled,
			Schedule: jobSchedule,
			Config:   types.JobConfig{Topic: jobTopic},
		}
	}

	job, err := newClient().CreateJob(cmd.Context(), def)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	fmt.Printf("Job created: %s\n", job.ID)
	return nil
}

func runJobsUpdate(cmd *cobra.Command, args []string) error {
	var patch types.JobPatch
	if jobFile != "" {
		if err := readJSONFile(jobFile, &patch); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("name") {
		patch.Name = types.Ptr(jobName)
	}
	if cmd.Flags().Changed("schedule") {
		patch.Schedule = types.Ptr(jobSchedule)
	}
	if jobEnabled {
		patch.Enabled = types.Ptr(true)
	}
	if jobDisabled {
		patch.Enabled = types.Ptr(false)
	}

	job, err := newClient().UpdateJob(cmd.Context(), args[0], patch)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	fmt.Printf("Job updated: %s\n", job.ID)
	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	if err := newClient().DeleteJob(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Job deleted: %s\n", args[0])
	return nil
}

func runJobsDuplicate(cmd *cobra.Command, args []string) error {
	job, err := newClient().DuplicateJob(cmd.Context(), args[0], jobName)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	fmt.Printf("Job duplicated: %s -> %s (%s)\n", args[0], job.ID, job.Name)
	return nil
}

func printJob(job *types.JobDefinition) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")

	table.Append([]string{"ID", job.ID})
	table.Append([]string{"Name", job.Name})
	table.Append([]string{"Enabled", strconv.FormatBool(job.Enabled)})
	if job.Schedule != "" {
		table.Append([]string{"Schedule", job.Schedule})
	}
	table.Append([]string{"Created", formatTime(job.CreatedAt)})
	table.Append([]string{"Updated", formatTime(job.UpdatedAt)})
	if job.Config.Topic != "" {
		table.Append([]string{"Topic", job.Config.Topic})
	}
	if job.Config.Voice != "" {
		table.Append([]string{"Voice", job.Config.Voice})
	}
	for i, o := range job.Config.Overlays {
		desc := fmt.Sprintf("%q", o.Text)
		if o.Size != nil {
			desc += fmt.Sprintf(" size=%d", *o.Size)
		}
		if o.Animation != nil {
			desc += " " + *o.Animation
		}
		if !o.Active() {
			desc += " (disabled)"
		}
		table.Append([]string{fmt.Sprintf("Overlay %d", i), desc})
	}
	if c := job.Config.Captions; c != nil && c.Enabled {
		desc := "on"
		if c.Mode != nil {
			desc += " mode=" + *c.Mode
		}
		if c.FontSize != nil {
			desc += fmt.Sprintf(" font=%d", *c.FontSize)
		}
		table.Append([]string{"Captions", desc})
	}
	if job.LastRun != nil {
		table.Append([]string{"Last Run", formatTime(*job.LastRun)})
		table.Append([]string{"Last Status", string(job.LastStatus)})
	}
	if job.LastError != "" {
		table.Append([]string{"Last Error", job.LastError})
	}
	table.Append([]string{"Runs", strconv.Itoa(job.RunCount)})

	table.Render()
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
