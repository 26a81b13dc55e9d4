package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run [paths...]",
	Short: "Run one extraction batch",
	Long: "Discovers, extracts and stores every included underwriting model. " +
		"When paths are given only those files or folders are processed; paths that no longer exist are removed from the store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		retry, _ := cmd.Flags().GetBool("retry")
		var report *model.RunReport
		if retry {
			report, err = e.Runner.RetryFailures(ctx)
		} else {
			report, err = e.Runner.Run(ctx, pipeline.Scope{Paths: args, Trigger: pipeline.TriggerManual})
		}
		if err != nil {
			return eris.Wrap(err, "run")
		}
		if report == nil {
			cmd.PrintErrln("No failed files are due for retry.")
			return nil
		}

		format, _ := cmd.Flags().GetString("format")
		return writeFormatted(os.Stdout, format, report, func(w io.Writer) {
			formatReport(w, report)
		})
	},
}

func init() {
	runCmd.Flags().String("format", formatText, "output format (text, json, yaml)")
	runCmd.Flags().Bool("retry", false, "only retry transient failures that are due")
	rootCmd.AddCommand(runCmd)
}
