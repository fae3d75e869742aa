package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dtpipe/dtpipe/internal/controller"
)

var rootCmd = &cobra.Command{
	Use:           "dtpipe",
	Short:         "dtpipe - streaming data movement between databases and tabular files",
	Long:          "dtpipe streams rows from one source through an ordered transformer chain into one sink, with bounded memory and write strategies for relational targets.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("dtpipe v0.1.0")
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(controller.ExitCode(err))
	}
}
