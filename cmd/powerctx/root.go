package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oceanbase/powerctx-go/pkg/core"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	envFile    string
	configFile string
	userID     string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "powerctx",
		Short: "PowerCtx - context retrieval and tool-calling agents over your work data",
		Long: `PowerCtx ingests email, documents, tasks and events, ranks them as context
for a query, and runs an orchestrator agent that answers, asks for
clarification or prepares actions for confirmation.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "Load configuration from this .env file")
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "Load configuration from this JSON file")
	root.PersistentFlags().StringVarP(&flags.userID, "user", "u", envOr("POWERCTX_USER", "default"), "User whose data is used")

	root.AddCommand(
		newServeCmd(flags),
		newAskCmd(flags),
		newConfirmCmd(flags),
		newSearchCmd(flags),
		newIngestCmd(flags),
	)
	return root
}

// loadConfig reads the JSON file, the given .env file, or the nearest .env.
func (f *globalFlags) loadConfig() (*core.Config, error) {
	switch {
	case f.configFile != "":
		return core.LoadConfigFromJSON(f.configFile)
	case f.envFile != "":
		return core.LoadConfigFromEnvFile(f.envFile)
	default:
		return core.LoadConfigFromEnv()
	}
}

func (f *globalFlags) newClient() (*core.Client, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	return core.NewClient(cfg)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireUser(f *globalFlags) error {
	if f.userID == "" {
		return fmt.Errorf("--user is required")
	}
	return nil
}
