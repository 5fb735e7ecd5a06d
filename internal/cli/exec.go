package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewExecCmd создаёт команду синхронного выполнения.
//
// Для коротких утилит (checkMesh, postProcess): запрос держится
// открытым до завершения процесса на сервере. Долгие команды
// отправляются через `convect job submit`.
func NewExecCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var casePath string
	var env []string
	var timeoutSec int

	cmd := &cobra.Command{
		Use:   "exec COMMAND [ARGS...]",
		Short: "Run a short command synchronously in a case directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			result, err := client.RunCommand(RunCommandRequest{
				Command:    args[0],
				Args:       args[1:],
				Env:        env,
				CasePath:   casePath,
				TimeoutSec: timeoutSec,
			})
			if err != nil {
				return err
			}

			out.Raw(result.Stdout)
			if result.Stderr != "" {
				out.Error(result.Stderr)
			}
			if !result.Success {
				if result.TimedOut {
					return fmt.Errorf("command timed out after %dms", result.DurationMs)
				}
				return fmt.Errorf("command exited with code %d", result.ExitCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&casePath, "case", "", "Case path (working directory)")
	cmd.Flags().StringSliceVar(&env, "env", nil, "Environment variables as KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "Timeout in seconds (0 = default)")
	cmd.MarkFlagRequired("case")

	return cmd
}
