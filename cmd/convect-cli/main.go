// Convect CLI — инструмент командной строки для управления
// jobs, scenario runs и viz-серверами через HTTP API.
//
// Использование:
//
//	convect [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	job   Управление jobs (солверы, мешеры)
//	run   Управление scenario runs
//	viz   Управление viz-серверами
//	exec  Синхронное выполнение коротких команд
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Convect/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "convect",
		Short:         "Convect CLI — CFD job orchestration tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewJobCmd(clientFn, outputFn),
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewVizCmd(clientFn, outputFn),
		cli.NewExecCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
