package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для управления scenario runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage scenario runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunStartCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunApproveCmd(clientFn, outputFn),
		newRunRejectCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
		newRunSetParamsCmd(clientFn, outputFn),
	)

	return cmd
}

var runHeaders = []string{"ID", "CASE", "STATUS", "STEP", "AWAITING", "CREATED"}

func runRow(r RunResponse) []string {
	awaiting := ""
	if r.AwaitingApproval {
		awaiting = "yes"
	}
	return []string{r.ID, r.CasePath, r.Status, r.CurrentStep, awaiting, r.CreatedAt}
}

// parseParams разбирает флаги KEY=VALUE в map.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid param format %q, expected KEY=VALUE", kv)
		}
		params[parts[0]] = parts[1]
	}
	return params, nil
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var casePath string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scenario runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(ListRunsOpts{
				Status:   status,
				CasePath: casePath,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = runRow(r)
			}

			out.Print(runHeaders, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, PAUSED, COMPLETED, FAILED, CANCELLED)")
	cmd.Flags().StringVar(&casePath, "case", "", "Filter by case path")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var params []string
	var maxRetries int

	cmd := &cobra.Command{
		Use:   "start CASE_PATH",
		Short: "Start a new scenario run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := CreateRunRequest{CasePath: args[0]}

			p, err := parseParams(params)
			if err != nil {
				return err
			}
			req.Params = p

			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}

			run, err := client.CreateRun(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run started: %s", run.ID))
			out.Print(runHeaders, [][]string{runRow(*run)}, run)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&params, "param", nil, "Run parameters as KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry limit per step")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "CASE", "STATUS", "STEP", "FEEDBACK", "ERROR"},
				[][]string{{run.ID, run.CasePath, run.Status, run.CurrentStep, run.Feedback, run.Error}},
				run,
			)
			return nil
		},
	}
}

func newRunApproveCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "approve ID",
		Short: "Approve a run paused at the approval gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.ApproveRun(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run approved: %s", run.ID))
			return nil
		},
	}
}

func newRunRejectCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var feedback string

	cmd := &cobra.Command{
		Use:   "reject ID",
		Short: "Reject results at the approval gate (the run resumes from an earlier step)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.RejectRun(args[0], feedback)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run rejected: %s", run.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&feedback, "feedback", "", "What should be done differently")

	return cmd
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a run paused at the approval gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.CancelRun(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run cancelled: %s", run.ID))
			return nil
		},
	}
}

func newRunSetParamsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "set-params ID",
		Short: "Merge parameters into a run (solver choice, boundary conditions)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			p, err := parseParams(params)
			if err != nil {
				return err
			}
			if len(p) == 0 {
				return fmt.Errorf("at least one --param is required")
			}

			run, err := client.SetRunParams(args[0], p)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Params updated: %s", run.ID))
			out.Print(runHeaders, [][]string{runRow(*run)}, run)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&params, "param", nil, "Parameters as KEY=VALUE (repeatable)")

	return cmd
}
