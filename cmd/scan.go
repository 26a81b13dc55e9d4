package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List the underwriting models that would be extracted",
	Long:  "Walks the deal-stage folders and applies the inclusion rules without opening any workbook or writing to the store.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.Runner.Discover(ctx)
		if err != nil {
			return eris.Wrap(err, "scan")
		}

		format, _ := cmd.Flags().GetString("format")
		verbose, _ := cmd.Flags().GetBool("verbose")
		return writeFormatted(os.Stdout, format, res, func(w io.Writer) {
			formatDiscovery(w, res, verbose)
		})
	},
}

func init() {
	scanCmd.Flags().String("format", formatText, "output format (text, json, yaml)")
	scanCmd.Flags().BoolP("verbose", "v", false, "also list excluded files with their reason")
	rootCmd.AddCommand(scanCmd)
}
