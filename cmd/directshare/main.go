package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"directshare/config"
	"directshare/service"
)

var (
	dataDirFlag  string
	logLevelFlag string
	logJSONFlag  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "directshare",
	Short:        "Share files directly with nearby devices",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (default: per-user app dir or $"+config.DataDirEnv+")")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSONFlag, "log-json", false, "emit logs as JSON")

	rootCmd.AddCommand(serveCmd, sendCmd, peersCmd, historyCmd, configCmd)
}

// env is the loaded local state every command starts from.
type env struct {
	dataDir string
	cfgPath string
	cfg     *config.DeviceConfig
	logger  *logrus.Logger
}

func loadEnv() (*env, error) {
	logger, err := newLogger(logLevelFlag, logJSONFlag)
	if err != nil {
		return nil, err
	}

	dataDir := dataDirFlag
	if dataDir == "" {
		dataDir, err = config.ResolveDataDir()
		if err != nil {
			return nil, fmt.Errorf("resolving data dir: %w", err)
		}
	}

	cfg, cfgPath, err := config.LoadOrCreateIn(dataDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &env{dataDir: dataDir, cfgPath: cfgPath, cfg: cfg, logger: logger}, nil
}

// newService builds and starts the application core. The caller must
// defer svc.Close().
func (e *env) newService(hooks service.Hooks) (*service.Service, error) {
	svc, err := service.New(service.Options{
		Config:  e.cfg,
		DataDir: e.dataDir,
		Hooks:   hooks,
		Logger:  e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing service: %w", err)
	}
	if err := svc.Start(); err != nil {
		svc.Close()
		return nil, fmt.Errorf("starting service: %w", err)
	}
	return svc, nil
}

func newLogger(level string, json bool) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(lvl)
	if json {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
