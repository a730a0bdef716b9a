package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	settingsFile string
	configFile   string
	logLevel     string
	logFormat    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "modelgate",
		Short: "Task-keyed model routing with execution-mode dispatch",
		Long: `Modelgate resolves a task name to an ordered chain of models, applies
	family and lockdown policy, and executes the call through the API chain,
	the privileged local backend, or the pending-task queue.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", "", "path to settings file (env MODELGATE_* overrides)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to routing config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")

	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(cursorCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(serveCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
