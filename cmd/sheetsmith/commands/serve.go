package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sheetsmith/sheetsmith/pkg/server"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the layout API and web page",
		Long: `Serve the layout over HTTP until interrupted.

Besides the API, serve watches the config file (file backend) and the policy
paths, so edits made by hand or by another sheetsmith process are picked up
and pushed to open pages on /api/events.`,
		Example: `  # Serve on the configured address
  sheetsmith serve

  # Serve on all interfaces
  sheetsmith serve --listen 0.0.0.0:5000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(ctx); err != nil {
					log.Error().Err(err).Msg("Shutdown incomplete")
				}
			}()

			if listen == "" {
				listen = a.cfg.Server.Listen
			}

			engine, err := a.policyEngine(ctx)
			if err != nil {
				return err
			}
			opts := server.Options{
				Session:   a.sess,
				Documents: a.provider(),
				Generator: a.generator(),
				Telemetry: a.tel,
				Logger:    a.tel.Logger.NewComponentLogger("server").Zerolog(),
			}
			if engine != nil {
				opts.Guard = engine
			}
			srv, err := server.New(opts)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return srv.ListenAndServe(gctx, listen, a.cfg.Server.ShutdownTimeout)
			})

			if a.fileStore != nil && a.cfg.Server.WatchConfig {
				g.Go(func() error {
					return a.fileStore.Watch(gctx, func([]byte) {
						a.sess.Reload(gctx, "file")
					})
				})
			}

			if engine != nil && len(a.cfg.Policy.Paths) > 0 {
				g.Go(func() error {
					return engine.Watch(gctx, a.policyPaths())
				})
			}

			if ms := a.tel.Metrics.StartMetricsServer(a.logger); ms != nil {
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
					defer cancel()
					return ms.Shutdown(shutdownCtx)
				})
			}

			fmt.Printf("sheetsmith serving on http://%s/\n", listen)
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")

	return cmd
}
