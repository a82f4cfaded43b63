package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/BSI-Bund/Katti/internal/log"
	"github.com/BSI-Bund/Katti/internal/model"
	"github.com/BSI-Bund/Katti/internal/ooi"
	"github.com/BSI-Bund/Katti/internal/queue"
	"github.com/BSI-Bund/Katti/internal/store"
)

var (
	userConfigPath string // default config directory for katti on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "katti")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is katti.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initKatti

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("katti failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "katti",
	Short:        "Distributed scan execution engine",
	SilenceUsage: true,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "worker consumes scan tasks and runs the periodic retry sweep",
	RunE:  doWorker,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "sweep restarts all due day-scale retries once and exits",
	RunE:  doSweep,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides the version of katti",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("katti: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("katti: %s\n", info.Main.Version)
		fmt.Printf("go:    %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
	},
}

func doWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	ctx = log.ContextAttrs(ctx, slog.Int("pid", os.Getpid()))

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.close(context.Background())

	server := queue.NewServer(config.Redis, config.Worker, app.driver, app.logger)

	interval, err := sweepInterval(config.Sweep)
	if err != nil {
		return err
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := app.sweeper.Sweep(ctx); err != nil {
				app.logger.ErrorContext(ctx, "sweep failed", "error", err)
			}
		}),
	)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { _ = scheduler.Shutdown() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Run)
	g.Go(func() error {
		<-gctx.Done()
		server.Shutdown()
		return nil
	})

	app.logger.InfoContext(ctx, "worker started",
		"concurrency", config.Worker.Concurrency,
		"sweep_interval", interval)
	return g.Wait()
}

func doSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.close(context.Background())
	return app.sweeper.Sweep(ctx)
}

// sweepInterval turns the configured cron expression or ISO duration into
// the firing interval.
func sweepInterval(cfg model.Sweep) (time.Duration, error) {
	if cfg.Cron != "" {
		return model.ParseCron(cfg.Cron)
	}
	if cfg.Duration != "" {
		return model.ParseISODuration(cfg.Duration)
	}
	return 10 * time.Minute, nil
}

var (
	flagScannerID  string
	flagConnector  string
	flagOOIType    string
	flagOwner      string
	flagTTL        int
	flagOffline    bool
	flagQueue      string
	flagTags       []string
	flagNoRetry    bool
	flagDayRetries int
)

var submitCmd = &cobra.Command{
	Use:   "submit <value>...",
	Short: "submit enqueues a scan request for the given values",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&flagScannerID, "scanner", "", "scanner id, default scanner of --connector when empty")
	submitCmd.Flags().StringVar(&flagConnector, "connector", "", "connector type used to pick the default scanner")
	submitCmd.Flags().StringVar(&flagOOIType, "type", string(ooi.TypeDomain), "ooi type of the values")
	submitCmd.Flags().StringVar(&flagOwner, "owner", "", "requesting caller")
	submitCmd.Flags().IntVar(&flagTTL, "ttl", 3600, "result freshness window in seconds, 0 forces a new scan")
	submitCmd.Flags().BoolVar(&flagOffline, "offline", false, "only return stored results, never scan")
	submitCmd.Flags().StringVar(&flagQueue, "queue", "default", "task queue")
	submitCmd.Flags().StringSliceVar(&flagTags, "tag", nil, "tags merged into the results")
	submitCmd.Flags().BoolVar(&flagNoRetry, "no-retry", false, "disable both quota retry tiers")
	submitCmd.Flags().IntVar(&flagDayRetries, "max-day-retries", 7, "day-scale retry budget")
	_ = submitCmd.MarkFlagRequired("owner")
}

func doSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.close(context.Background())

	oois := make([]ooi.OOI, 0, len(args))
	for _, v := range args {
		o := ooi.New(ooi.Type(flagOOIType), v)
		if err := o.Validate(); err != nil {
			return err
		}
		oois = append(oois, o)
	}

	scannerID := flagScannerID
	if scannerID == "" {
		if flagConnector == "" {
			return fmt.Errorf("either --scanner or --connector is required")
		}
		cfg, err := app.store.DefaultScanner(ctx, flagConnector)
		if err != nil {
			return err
		}
		scannerID = cfg.ID
	}
	cfg, err := app.store.ScannerConfig(ctx, scannerID)
	if err != nil {
		return err
	}

	req := ooi.NewRequest(scannerID, flagOwner, oois...)
	req.TimeValidSeconds = flagTTL
	req.Offline = flagOffline
	req.Tags = flagTags
	req.MaxDayRetries = flagDayRetries
	if flagNoRetry {
		req.DayRetry = false
		req.MinuteRetry = false
	}

	taskID, err := app.client.Enqueue(ctx, ooi.NewContinuation(cfg.Type, flagQueue, req), 0)
	if err != nil {
		return err
	}
	fmt.Printf("task:    %s\n", taskID)
	fmt.Printf("scanner: %s\n", scannerID)
	fmt.Printf("oois:    %d\n", len(oois))
	return nil
}

var (
	flagRegName    string
	flagRegType    string
	flagRegDefault bool
	flagRegActive  bool
	flagRegTTL     int
	flagRegWait    int
	flagRegArgs    []string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "register adds or updates a scanner configuration",
	RunE:  doRegister,
}

func init() {
	registerCmd.Flags().StringVar(&flagRegName, "name", "", "unique scanner name")
	registerCmd.Flags().StringVar(&flagRegType, "type", "", "connector type")
	registerCmd.Flags().BoolVar(&flagRegDefault, "default", false, "default scanner of its type")
	registerCmd.Flags().BoolVar(&flagRegActive, "active", true, "scanner accepts tasks")
	registerCmd.Flags().IntVar(&flagRegTTL, "cache-ttl", 3600, "fast cache lifetime in seconds")
	registerCmd.Flags().IntVar(&flagRegWait, "max-cache-wait", 30, "single-flight wait ceiling in seconds")
	registerCmd.Flags().StringSliceVar(&flagRegArgs, "arg", nil, "connector argument key=value, repeatable")
	_ = registerCmd.MarkFlagRequired("name")
	_ = registerCmd.MarkFlagRequired("type")
}

func doRegister(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.close(context.Background())

	args := map[string]string{}
	for _, kv := range flagRegArgs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --arg %q, want key=value", kv)
		}
		args[k] = v
	}

	cfg, err := app.store.RegisterScanner(ctx, store.ScannerConfig{
		Name:                flagRegName,
		Type:                flagRegType,
		Active:              flagRegActive,
		Default:             flagRegDefault,
		CacheTTLSeconds:     flagRegTTL,
		MaxCacheWaitSeconds: flagRegWait,
		Args:                args,
	})
	if err != nil {
		return err
	}
	fmt.Printf("scanner: %s\n", cfg.ID)
	return nil
}

func initKatti(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("KATTICONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "katti.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "katti.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		var err error
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has precedence over the config file
	if flagVerbose {
		config.Verbose = true
	}

	slog.SetDefault(log.New(config.Verbose, os.Stderr))
	slog.Debug("katti run", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
