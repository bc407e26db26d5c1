package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"invoker/internal/common/cache"
	"invoker/internal/common/db"
	"invoker/internal/common/mq"
	"invoker/internal/common/storage"
	"invoker/internal/invoker/build"
	"invoker/internal/invoker/controller"
	"invoker/internal/invoker/handler"
	"invoker/internal/invoker/model"
	"invoker/internal/invoker/repository"
	"invoker/internal/invoker/server"
	"invoker/internal/invoker/source"
	"invoker/internal/minion"
	"invoker/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/invoker.yaml"
	defaultEnvFile    = ".env"

	sourceStream = "stream"
	sourceDB     = "db"
)

// CLI is the invoker command tree.
type CLI struct {
	rootCmd *cobra.Command
	cfg     *AppConfig

	configPath string
	envFile    string
	stdin      io.Reader
	stdout     io.Writer
}

func newCLI() *CLI {
	c := &CLI{stdin: os.Stdin, stdout: os.Stdout}
	rootCmd := &cobra.Command{
		Use:               "invoker",
		Short:             "Build submissions inside the minion sandbox",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(*cobra.Command, []string) { _ = logger.Sync() },
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfigPath, "Path to config file")
	rootCmd.PersistentFlags().StringVar(&c.envFile, "env-file", defaultEnvFile, "Optional .env file with INVOKER_* overrides")

	rootCmd.AddCommand(c.newServeCmd())
	rootCmd.AddCommand(c.newRunCmd())
	rootCmd.AddCommand(c.newBuildCmd())
	rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd = rootCmd
	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

func (c *CLI) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadAppConfig(c.configPath, c.envFile, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	c.cfg = cfg
	return nil
}

func (c *CLI) newDriver() (*build.Driver, error) {
	toolchains, err := c.cfg.toolchainSet()
	if err != nil {
		return nil, err
	}
	backend, err := minion.Setup(c.cfg.Minion)
	if err != nil {
		return nil, err
	}
	return build.NewDriver(backend, toolchains, c.cfg.Build), nil
}

func (c *CLI) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve POST /exec and GET /ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				c.cfg.Server.Listen = listen
			}
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "", "Listen address, tcp://host:port or unix:///path")
	return cmd
}

func (c *CLI) serve(ctx context.Context) error {
	// Reject a bad address before touching the sandbox.
	addr, err := server.ParseListenAddress(c.cfg.Server.Listen)
	if err != nil {
		return err
	}
	driver, err := c.newDriver()
	if err != nil {
		return err
	}

	var objects storage.ObjectStorage
	if c.cfg.MinIO.Endpoint != "" {
		minioStorage, err := storage.NewMinIOStorage(c.cfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		objects = minioStorage
	}
	fetcher := handler.NewSourceFetcher(objects, c.cfg.Source.WorkRoot)
	if c.cfg.Source.MaxBytes > 0 {
		fetcher.MaxBytes = c.cfg.Source.MaxBytes
	}

	srv := server.New(handler.New(driver, fetcher), c.cfg.Server.Config)
	ln, err := server.Listen(addr)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, ln)
}

func (c *CLI) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drain a task source through the invocation controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, _ := cmd.Flags().GetString("source")
			switch kind {
			case sourceStream:
				return c.runStream(cmd.Context())
			case sourceDB:
				return c.runDB(cmd.Context())
			default:
				return fmt.Errorf("unknown task source %q, want %s or %s", kind, sourceStream, sourceDB)
			}
		},
	}
	cmd.Flags().String("source", sourceStream, "Task source: stream (stdin/stdout) or db")
	return cmd
}

func (c *CLI) runStream(ctx context.Context) error {
	driver, err := c.newDriver()
	if err != nil {
		return err
	}
	src := source.NewStreamSource(c.stdin, c.stdout)
	ctrl, err := controller.New(src, driver, c.cfg.Controller)
	if err != nil {
		return err
	}

	// The source outlives the controller so reports of in-flight tasks are
	// still written after a shutdown signal.
	srcCtx, stopSource := context.WithCancel(context.WithoutCancel(ctx))
	srcDone := make(chan error, 1)
	go func() { srcDone <- src.Run(srcCtx) }()

	err = ctrl.Run(ctx)
	stopSource()
	if srcErr := <-srcDone; err == nil {
		err = srcErr
	}
	return err
}

func (c *CLI) runDB(ctx context.Context) error {
	driver, err := c.newDriver()
	if err != nil {
		return err
	}

	database, err := db.Open(&c.cfg.Database.Config)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = database.Close()
	}()
	if c.cfg.Database.AutoMigrate {
		if err := repository.EnsureSchema(ctx, database); err != nil {
			return err
		}
	}
	store := repository.NewSQLStore(database)
	store.SkipLocked = c.cfg.Database.SkipLocked

	liveStatus, closeCache, err := c.newLiveStatusStore()
	if err != nil {
		return err
	}
	defer closeCache()

	var publisher repository.OutcomePublisher
	if len(c.cfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(c.cfg.Kafka.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() {
			_ = producer.Close()
		}()
		if err := producer.Ping(ctx); err != nil {
			logger.Warn(ctx, "kafka broker unreachable at startup", zap.Strings("brokers", c.cfg.Kafka.Brokers), zap.Error(err))
		}
		publisher = repository.NewMQOutcomePublisher(producer, c.cfg.Kafka.OutcomeTopic)
	}

	src := source.NewDBSource(store, liveStatus, publisher, c.cfg.Source.DataDir)
	ctrl, err := controller.New(src, driver, c.cfg.Controller)
	if err != nil {
		return err
	}
	logger.Info(ctx, "database task source ready",
		zap.String("driver", c.cfg.Database.Driver),
		zap.String("data_dir", c.cfg.Source.DataDir),
		zap.Bool("outcome_events", publisher != nil),
	)
	return ctrl.Run(ctx)
}

func (c *CLI) newLiveStatusStore() (*repository.LiveStatusStore, func(), error) {
	if c.cfg.Redis.Addr == "" {
		return nil, nil, fmt.Errorf("redis addr is required for live status")
	}
	redisCache, err := cache.NewRedisCacheWithConfig(&c.cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("init redis failed: %w", err)
	}
	store := repository.NewLiveStatusStore(redisCache, c.cfg.LiveStatus.TTL)
	if c.cfg.LiveStatus.HistoryLen > 0 {
		store.HistoryLen = c.cfg.LiveStatus.HistoryLen
	}
	return store, func() { _ = redisCache.Close() }, nil
}

func (c *CLI) newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <toolchain> [source-file]",
		Short: "Build one local source file and print its status",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub := model.Submission{ToolchainID: args[0]}
			if len(args) == 2 {
				path, err := filepath.Abs(args[1])
				if err != nil {
					return err
				}
				sub.SourcePath = path
			}
			id, _ := cmd.Flags().GetUint32("id")
			sub.ID = id
			sub.IsolationKey = uuid.NewString()
			return c.buildOnce(cmd.Context(), sub)
		},
	}
	cmd.Flags().Uint32("id", 1, "Submission id used to name the isolation root")
	return cmd
}

func (c *CLI) buildOnce(ctx context.Context, sub model.Submission) error {
	driver, err := c.newDriver()
	if err != nil {
		return err
	}
	status, err := driver.Build(ctx, sub)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.stdout)
	return enc.Encode(status)
}

func (c *CLI) newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Print the live status the db source recorded for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			history, _ := cmd.Flags().GetBool("history")
			return c.printStatus(cmd.Context(), uint32(runID), history)
		},
	}
	cmd.Flags().Bool("history", false, "Print every retained update, oldest first")
	return cmd
}

func (c *CLI) printStatus(ctx context.Context, runID uint32, history bool) error {
	store, closeCache, err := c.newLiveStatusStore()
	if err != nil {
		return err
	}
	defer closeCache()

	enc := json.NewEncoder(c.stdout)
	if !history {
		update, err := store.Get(ctx, runID)
		if err != nil {
			return err
		}
		return enc.Encode(update)
	}
	updates, err := store.History(ctx, runID)
	if err != nil {
		return err
	}
	for _, update := range updates {
		if err := enc.Encode(update); err != nil {
			return err
		}
	}
	return nil
}
