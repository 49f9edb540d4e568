package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/csirtgadgets/verbose-robot/internal/app"
	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/state"
	"github.com/csirtgadgets/verbose-robot/pkg/state/shutdown"
)

// set build metadata
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var flags = config.Flags{Set: map[string]bool{}}

var rootCmd = &cobra.Command{
	Use:   "cif-router",
	Short: "CIF router: dispatch, storage and enrichment for threat intel indicators",
	Long: `cif-router runs the message router, the indicator store, the gatherer
and hunter pools and the optional streamer, webhooks and HTTP gateway.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Flags().Visit(func(f *pflag.Flag) { flags.Set[f.Name] = true })
		return run(flags)
	},
}

// Execute runs the root command. It is called once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	f := rootCmd.Flags()
	f.StringVarP(&flags.Config, "config", "c", "", "config file (default $CIF_ROUTER_CONFIG_PATH or cif.yml)")
	f.StringVar(&flags.RuntimePath, "runtime-path", "", "runtime directory for sockets, store and state")
	f.StringVar(&flags.Pidfile, "pidfile", "", "pidfile path (default <runtime-path>/cif-router.pid)")
	f.StringVar(&flags.Listen, "listen", "", "router listen endpoint")
	f.StringVar(&flags.Store, "store", "", "store backend: pebble or sqlite")
	f.StringVar(&flags.StoreAddress, "store-address", "", "store read endpoint")
	f.IntVar(&flags.HunterThreads, "hunter-threads", 0, "hunter workers (0 disables hunting)")
	f.IntVar(&flags.GathererThreads, "gatherer-threads", 0, "gatherer workers")
	f.StringVar(&flags.HunterToken, "hunter-token", "", "token hunters submit with")
	f.StringVar(&flags.LogLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&flags.HTTPDListen, "httpd-listen", "", "enable the HTTP gateway on this address")
}

func run(flags config.Flags) error {
	// load .env file if present
	_ = godotenv.Load(".env")

	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}
	envCfg, envRes := config.ParseConfigEnvs()

	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envRes)
	if err != nil {
		return fmt.Errorf("failed to build effective config: %w", err)
	}
	if err := config.ValidateConfig(eff); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(eff.Config.Logging.Level, eff.Config.Logging.Sink)
	defer logger.Sync()
	logger.Info("effective_config_loaded", "source", eff.Source, "listen", eff.Config.Router.Listen, "runtime_path", eff.Config.RuntimePath)
	logger.Info("system_logical_cores", "logical_cores", runtime.NumCPU())

	defer func() {
		if r := recover(); r != nil {
			state.Crash("panic", fmt.Errorf("%v", r))
		}
	}()

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("failed to initialize app", err)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	runErr := a.Run(ctx)
	if runErr != nil {
		logger.Error("app_run_failed", "error", runErr)
	}

	// bound teardown so it cannot hang forever
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
