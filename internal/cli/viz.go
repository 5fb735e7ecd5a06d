package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewVizCmd создаёт группу команд для управления viz-серверами.
func NewVizCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "viz",
		Short: "Manage visualization servers",
	}

	cmd.AddCommand(
		newVizListCmd(clientFn, outputFn),
		newVizStatsCmd(clientFn, outputFn),
		newVizEnsureCmd(clientFn, outputFn),
		newVizTouchCmd(clientFn, outputFn),
		newVizStopCmd(clientFn, outputFn),
	)

	return cmd
}

var vizHeaders = []string{"CASE", "STATUS", "PORT", "PID", "URL", "LAST_ACTIVITY"}

func vizRow(v VizResponse) []string {
	return []string{v.CasePath, v.Status, strconv.Itoa(v.Port), strconv.Itoa(v.PID), v.URL, v.LastActivityAt}
}

func newVizListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List visualization servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			servers, err := client.ListViz()
			if err != nil {
				return err
			}

			rows := make([][]string, len(servers))
			for i, s := range servers {
				rows[i] = vizRow(s)
			}

			out.Print(vizHeaders, rows, servers)
			return nil
		},
	}
}

func newVizStatsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show port pool usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			stats, err := client.VizStats()
			if err != nil {
				return err
			}

			out.Print(
				[]string{"RUNNING", "POOL_FREE", "POOL_SIZE"},
				[][]string{{strconv.Itoa(stats.Running), strconv.Itoa(stats.PoolFree), strconv.Itoa(stats.PoolSize)}},
				stats,
			)
			return nil
		},
	}
}

func newVizEnsureCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure CASE_PATH",
		Short: "Get a running visualization server for a case, starting one if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			srv, err := client.EnsureViz(args[0])
			if err != nil {
				return err
			}

			if srv.Reused {
				out.Success(fmt.Sprintf("Server already running: %s", srv.URL))
			} else {
				out.Success(fmt.Sprintf("Server started: %s", srv.URL))
			}
			out.Print(vizHeaders, [][]string{vizRow(*srv)}, srv)
			return nil
		},
	}
}

func newVizTouchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "touch CASE_PATH",
		Short: "Reset the idle timer of a visualization server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.TouchViz(args[0]); err != nil {
				return err
			}

			out.Success("Idle timer reset")
			return nil
		},
	}
}

func newVizStopCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stop CASE_PATH",
		Short: "Stop the visualization server of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.StopViz(args[0]); err != nil {
				return err
			}

			out.Success("Server stopped")
			return nil
		},
	}
}
