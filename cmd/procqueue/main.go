// Command procqueue is the "queue" CLI entry point: a cobra subcommand tree
// that either runs the admin surface in-process ("serve") or acts as a thin
// HTTP client against a running "serve" instance for every other
// subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "procqueue:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "procqueue",
		Short:         "Administer a running procsup supervisor's scheduler and queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("addr", "http://127.0.0.1:9090", "admin API base address of a running 'procqueue serve'")
	root.PersistentFlags().String("token", "", "bearer token for mutating admin routes, when the server enforces JWT auth")
	root.PersistentFlags().Duration("timeout", 0, "HTTP client timeout for this command; 0 means no timeout")
	_ = viper.BindPFlag("addr", root.PersistentFlags().Lookup("addr"))
	_ = viper.BindPFlag("token", root.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))
	viper.SetEnvPrefix("procqueue")
	viper.AutomaticEnv()

	root.AddCommand(
		serveCmd(),
		statusCmd(),
		healthCmd(),
		pauseCmd(),
		resumeCmd(),
		clearCmd(),
		listCmd(),
		cancelCmd(),
		concurrencyCmd(),
		rateLimitCmd(),
		priorityCmd(),
		shutdownCmd(),
		metricsCmd(),
	)
	return root
}
