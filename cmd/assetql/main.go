package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"assetql/config"
	"assetql/internal/logger"
)

var version = "dev"

const defaultConfigName = "assetql.yml"

func findConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
		log.Printf("Warning: config file not found at %s, trying default locations", configArg)
	}

	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), defaultConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadConfig reads the config file when one is found and fills defaults.
func loadConfig(configArg string) (*config.Config, string, error) {
	path := findConfigFile(configArg)
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, path, err
		}
		cfg = loaded
	}
	config.ApplyDefaults(cfg)
	return cfg, path, nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("Metrics server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()
	return srv
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var metricsSrv *http.Server

	rootCmd := &cobra.Command{
		Use:           "assetql",
		Short:         "Compile asset queries into MongoDB filters and materialize entity views",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configArg, _ := cmd.Flags().GetString("config")
			cfg, path, err := loadConfig(configArg)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			lc := cfg.AssetQL.Logging
			if err := logger.Init(lc.Enabled, lc.Level, lc.File, lc.Console); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if path != "" {
				logger.Infof("Config loaded from: %s", path)
			}
			a.cfg = cfg

			if addr := strings.TrimSpace(cfg.AssetQL.Metrics.Addr); addr != "" {
				metricsSrv = serveMetrics(addr)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if metricsSrv != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = metricsSrv.Shutdown(ctx)
			}
			return a.close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "path to the YAML config file (default: ./"+defaultConfigName+")")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(
		newCompileCmd(a),
		newCompileRawCmd(a),
		newQueryCmd(a),
		newViewCmd(a),
		newRulesCmd(a),
		versionCmd,
	)
	return rootCmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "assetql: %v\n", err)
		os.Exit(1)
	}
}
