package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"sitebackup/internal/core/backup"
	"sitebackup/internal/core/config"
	"sitebackup/internal/core/scheduler"
	"sitebackup/internal/core/store"
	"sitebackup/internal/logger"
	"sitebackup/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var cfgFile string

// Корневая команда
var rootCmd = &cobra.Command{
	Use:   "sitebackup",
	Short: "Sitebackup - бэкапы базы данных и файлов сайта по расписанию",
	Long: `Sitebackup - сервис резервного копирования базы данных и файлов сайта.
Выполняет полные, инкрементальные и дифференциальные бэкапы по cron-расписанию
или вручную, хранит историю задач и удаляет устаревшие бэкапы.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "путь к файлу конфигурации")

	rootCmd.AddCommand(serveCmd, runCmd, cleanupCmd, initConfigCmd)
	rootCmd.AddCommand(newConfigCmd(), newScheduleCmd(), newJobCmd())
}

// app собранные зависимости приложения
type app struct {
	cfg       *config.Config
	log       *logger.StructuredLogger
	store     *store.SQLiteStore
	scheduler *scheduler.Scheduler
	registry  *prometheus.Registry
}

// newApp загружает конфигурацию и собирает сервисы
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}

	log := logger.NewStructuredLoggerWithConfig("sitebackup", &logger.LogConfig{
		Level:      logger.ParseLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		OutputFile: cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   true,
	})

	if err := os.MkdirAll(cfg.Backup.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("ошибка создания каталога бэкапов: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return nil, fmt.Errorf("ошибка создания каталога базы данных: %w", err)
	}

	st, err := store.NewSQLiteStore(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	locations, err := backup.NewLocationsFromConfig(ctx, cfg, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	database, err := backup.NewDatabaseService(cfg.Source, cfg.Compression.Level, locations, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("ошибка инициализации бэкапа базы данных: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sched := scheduler.New(scheduler.Dependencies{
		Store:             st,
		Database:          database,
		Files:             backup.NewFileService(locations, cfg.Compression.Level, log),
		Publisher:         locations,
		Encryptor:         backup.NewEncryptor(cfg.Encryption),
		Metrics:           metrics.NewRecorder(registry),
		TerminateOnCancel: cfg.Scheduler.TerminateOnCancel,
	}, log)

	return &app{
		cfg:       cfg,
		log:       log,
		store:     st,
		scheduler: sched,
		registry:  registry,
	}, nil
}

func (a *app) Close() {
	a.store.Close()
}

// signalContext отменяется при SIGINT или SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-signalCh:
			fmt.Fprintln(os.Stderr, "\nПолучен сигнал прерывания, завершаем работу...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signalCh)
	}()

	return ctx, cancel
}

// withApp выполняет fn с собранным приложением
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
