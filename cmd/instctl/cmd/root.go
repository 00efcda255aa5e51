// cmd/instctl/cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"instrument-service/internal/config"
	"instrument-service/internal/discovery"
	instdriver "instrument-service/internal/driver"
	"instrument-service/internal/driver/base"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
	"instrument-service/internal/utils"
	"instrument-service/pkg/driver"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "instctl",
	Short: "Find and talk to bench instruments",
	Long: `instctl lists the serial and VISA ports on this machine, discovers
instruments from the catalog by probing their identity, and runs single
command transactions on them.

A discovered instrument is opened through its driver and closed again
before the command returns, so the instrument is left in its safe state.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every probed candidate")
}

// env is the discovery stack built from configuration
type env struct {
	config     *config.Config
	logger     *zap.Logger
	catalog    *model.Catalog
	transports protocol.Transports
	engine     *discovery.Engine
	registry   *instdriver.Registry
}

func newEnv() (*env, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logging := cliLogging(cfg.Logging, verbose)
	logger, err := utils.NewLogger(&logging)
	if err != nil {
		return nil, err
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("instrument catalog: %w", err)
	}

	transports := protocol.NewTransports(cfg.BusConfig(), logger)
	registry := instdriver.NewRegistry(logger)
	instdriver.RegisterDefaultDrivers(registry, logger)

	return &env{
		config:     cfg,
		logger:     logger,
		catalog:    catalog,
		transports: transports,
		engine:     discovery.NewEngine(transports, cfg.DiscoveryEngineConfig(), discovery.LogObserver(logger)),
		registry:   registry,
	}, nil
}

// cliLogging adapts the service logging section to a terminal command.
// Logs never go to stdout, where command output is printed. --verbose logs
// at debug level to stderr; otherwise only warnings reach the configured sink.
func cliLogging(cfg config.LoggingConfig, verbose bool) config.LoggingConfig {
	if cfg.Output == "stdout" {
		cfg.Output = "stderr"
	}
	if verbose {
		cfg.Level = "debug"
		cfg.Output = "stderr"
		cfg.Format = "console"
		return cfg
	}
	if level, err := utils.ParseLevel(cfg.Level); err != nil || level < zapcore.WarnLevel {
		cfg.Level = "warn"
	}
	return cfg
}

// open discovers modelName, optionally the unit with the given serial, and
// wraps the verified session in its driver
func (e *env) open(ctx context.Context, modelName, serial string) (driver.InstrumentDriver, error) {
	desc, ok := e.catalog.Lookup(modelName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", driver.ErrUnknownModel, modelName)
	}

	if e.config.Discovery.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Discovery.Timeout)
		defer cancel()
	}

	vs, err := e.engine.Discover(ctx, desc, serial)
	if err != nil {
		return nil, err
	}

	drv, err := e.registry.CreateDriver(ctx, vs, desc, base.OptionsFromConfig(&e.config.Drivers))
	if err != nil {
		_ = vs.Close()
		return nil, err
	}
	return drv, nil
}

// withInstrument opens an instrument, runs fn and closes the instrument
func (e *env) withInstrument(ctx context.Context, modelName, serial string, fn func(driver.InstrumentDriver) error) error {
	drv, err := e.open(ctx, modelName, serial)
	if err != nil {
		return err
	}

	fnErr := fn(drv)
	if err := drv.Close(context.Background()); err != nil && fnErr == nil {
		return fmt.Errorf("close %s: %w", modelName, err)
	}
	return fnErr
}

func (e *env) close() {
	_ = utils.CloseLogger(e.logger)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
