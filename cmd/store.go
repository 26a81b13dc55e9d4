package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/uwdash/internal/pipeline"
	"github.com/sells-group/uwdash/internal/resilience"
)

// -- columns --

var columnsCmd = &cobra.Command{
	Use:   "columns",
	Short: "List stored columns with their canonical names and labels",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		mapper, err := pipeline.MapperFromConfig(cfg)
		if err != nil {
			return err
		}

		cols, err := st.Columns(ctx)
		if err != nil {
			return eris.Wrap(err, "columns")
		}
		out := make([]columnRow, 0, len(cols))
		for _, c := range cols {
			out = append(out, columnRow{
				Name:      c.Name,
				Canonical: mapper.ToCanonical(c.Name),
				Label:     mapper.Label(c.Name),
				Type:      c.Type,
			})
		}

		format, _ := cmd.Flags().GetString("format")
		return writeFormatted(os.Stdout, format, out, func(w io.Writer) {
			formatColumns(w, out)
		})
	},
}

// -- failures --

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List files whose last extraction failed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		errType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := st.ListFailures(ctx, resilience.FailureFilter{ErrorType: errType, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "failures")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No failures recorded.")
			return nil
		}

		format, _ := cmd.Flags().GetString("format")
		return writeFormatted(os.Stdout, format, entries, func(w io.Writer) {
			formatFailures(w, entries)
		})
	},
}

// -- optimize --

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Compact the store and refresh planner statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Optimize(ctx); err != nil {
			return eris.Wrap(err, "optimize")
		}
		zap.L().Info("store optimized", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	columnsCmd.Flags().String("format", formatText, "output format (text, json, yaml)")

	failuresCmd.Flags().String("type", "", "filter by error type (transient, permanent)")
	failuresCmd.Flags().Int("limit", 100, "max number of failures to display")
	failuresCmd.Flags().String("format", formatText, "output format (text, json, yaml)")

	rootCmd.AddCommand(columnsCmd, failuresCmd, optimizeCmd)
}
