package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/killallgit/kortix/pkg/config"
	"github.com/killallgit/kortix/pkg/logger"
	"github.com/killallgit/kortix/pkg/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kortix",
	Short: "Chat with Kortix agents from the terminal",
	Long: `Send messages to a Kortix agent, follow its runs live and inspect the
persisted conversation of a project.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := logger.Init(); err != nil {
			return err
		}
		logger.Debug("Configuration loaded", "file", config.GetConfigFileUsed(), "api_url", cfg.API.URL)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Close()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is .kortix/settings.yaml)")

	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("project", "", "project id")
	viper.BindPFlag("project_id", rootCmd.PersistentFlags().Lookup("project"))

	rootCmd.PersistentFlags().String("api-url", "", "backend base URL")
	viper.BindPFlag("api.url", rootCmd.PersistentFlags().Lookup("api-url"))

	rootCmd.PersistentFlags().String("metrics-addr", "", "serve prometheus metrics on this address")
	viper.BindPFlag("metrics.addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))

	rootCmd.PersistentFlags().Bool("plain", false, "disable colors and highlighting")

	rootCmd.AddCommand(chatCmd, attachCmd, stopCmd, threadsCmd, messagesCmd, billingCmd)
}

// serveMetrics exposes m on addr until ctx is done. An empty addr disables it.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) {
	if addr == "" {
		return
	}
	log := logger.WithComponent("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("Serving metrics", "addr", addr)
}
