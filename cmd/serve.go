package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/uwdash/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard API",
	Long:  "Serves the stored underwriting data over HTTP. With --watch the change watcher and health checks run in the same process.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := server.New(e.Store, e.Runner.Mapper(), e.Runner, cfg.Server)

		g, gctx := errgroup.WithContext(ctx)
		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			startBackground(gctx, g, e, false)
		}
		g.Go(func() error {
			return srv.ListenAndServe(gctx, port)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (default from config)")
	serveCmd.Flags().Bool("watch", false, "also watch the deal-stage folders")
	rootCmd.AddCommand(serveCmd)
}
