package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewJobCmd создаёт группу команд для управления jobs.
func NewJobCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage solver and meshing jobs",
	}

	cmd.AddCommand(
		newJobListCmd(clientFn, outputFn),
		newJobSubmitCmd(clientFn, outputFn),
		newJobShowCmd(clientFn, outputFn),
		newJobResultsCmd(clientFn, outputFn),
		newJobApproveCmd(clientFn, outputFn),
		newJobRejectCmd(clientFn, outputFn),
		newJobCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func jobRow(j JobResponse) []string {
	exitCode := ""
	if j.ExitCode != nil {
		exitCode = strconv.Itoa(*j.ExitCode)
	}
	return []string{j.ID, j.Kind, j.Status, j.CasePath, j.Command, exitCode, j.CreatedAt}
}

var jobHeaders = []string{"ID", "KIND", "STATUS", "CASE", "COMMAND", "EXIT", "CREATED"}

func newJobListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var casePath string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			jobs, err := client.ListJobs(ListJobsOpts{
				Status:   status,
				CasePath: casePath,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			rows := make([][]string, len(jobs))
			for i, j := range jobs {
				rows[i] = jobRow(j)
			}

			out.Print(jobHeaders, rows, jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (SUBMITTED, IN_PROGRESS, WAITING_APPROVAL, COMPLETED, REJECTED, ERROR)")
	cmd.Flags().StringVar(&casePath, "case", "", "Filter by case path")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newJobSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var kind string
	var casePath string
	var env []string
	var timeoutSec int

	cmd := &cobra.Command{
		Use:   "submit COMMAND [ARGS...]",
		Short: "Submit a job to the ledger",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.CreateJob(CreateJobRequest{
				Kind:       kind,
				CasePath:   casePath,
				Command:    args[0],
				Args:       args[1:],
				Env:        env,
				TimeoutSec: timeoutSec,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job submitted: %s", job.ID))
			out.Print(jobHeaders, [][]string{jobRow(*job)}, job)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "command", "Job kind (mesh_generation, solver_run, command)")
	cmd.Flags().StringVar(&casePath, "case", "", "Case path (working directory)")
	cmd.Flags().StringSliceVar(&env, "env", nil, "Environment variables as KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "Timeout in seconds (0 = default)")
	cmd.MarkFlagRequired("case")

	return cmd
}

func newJobShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.GetJob(args[0])
			if err != nil {
				return err
			}

			errMsg := ""
			if job.ErrorDetail != nil {
				errMsg = job.ErrorDetail.Category + ": " + job.ErrorDetail.Message
			}
			out.Print(
				[]string{"ID", "KIND", "STATUS", "CASE", "MESSAGE", "ERROR"},
				[][]string{{job.ID, job.Kind, job.Status, job.CasePath, job.Message, errMsg}},
				job,
			)
			return nil
		},
	}
}

func newJobResultsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "results ID",
		Short: "Show where a job wrote its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			results, err := client.GetJobResults(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"JOB_ID", "STATUS", "OUTPUT_PATH", "FIELDS"},
				[][]string{{results.JobID, results.Status, results.OutputPath, strings.Join(results.Fields, ",")}},
				results,
			)
			return nil
		},
	}
}

func newJobApproveCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "approve ID",
		Short: "Approve a job waiting for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.ApproveJob(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job approved: %s", job.ID))
			return nil
		},
	}
}

func newJobRejectCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var feedback string

	cmd := &cobra.Command{
		Use:   "reject ID",
		Short: "Reject a job waiting for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.RejectJob(args[0], feedback)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job rejected: %s", job.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&feedback, "feedback", "", "Reason for rejection")

	return cmd
}

func newJobCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a submitted or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.CancelJob(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job cancel requested: %s (status %s)", job.ID, job.Status))
			return nil
		},
	}
}
