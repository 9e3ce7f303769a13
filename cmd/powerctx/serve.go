package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/oceanbase/powerctx-go/pkg/core"
	"github.com/oceanbase/powerctx-go/pkg/server"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API until interrupted.

Examples:
  powerctx serve
  powerctx serve --addr :9090 --env-file prod.env`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			client, err := core.NewClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			logger := client.Logger()
			srv := server.New(client, &server.Config{
				Addr:           cfg.Server.Addr,
				RequestTimeout: time.Duration(cfg.Server.RequestTimeout),
				Logger:         &logger,
			})

			ctx, cancel := signalContext()
			defer cancel()
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides SERVER_ADDR)")
	return cmd
}
