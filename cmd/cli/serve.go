package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sitebackup/internal/core/config"
	"sitebackup/internal/metrics"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запустить планировщик",
	Long: `Загружает активные расписания и выполняет бэкапы по ним до получения сигнала.

Изменение файла конфигурации и сигнал SIGHUP перечитывают расписания из базы.
Если задан metrics.listen_addr, метрики доступны по адресу /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(runServe)
	},
}

func runServe(ctx context.Context, a *app) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		srv = metrics.NewServer(addr, a.registry)
		go func() {
			a.log.Info("Сервер метрик запущен", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Ошибка сервера метрик", "error", err.Error())
			}
		}()
	}

	reloadCh := make(chan struct{}, 1)
	requestReload := func() {
		select {
		case reloadCh <- struct{}{}:
		default:
		}
	}

	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		a.log.Info("Файл конфигурации изменен", "file", e.Name)
		if _, err := config.LoadConfigWith(viper.GetViper(), cfgFile); err != nil {
			a.log.Warn("Новая конфигурация не прошла проверку", "error", err.Error())
			return
		}
		requestReload()
	})
	if viper.ConfigFileUsed() != "" {
		viper.WatchConfig()
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if srv != nil {
				srv.Shutdown(shutdownCtx)
			}
			a.scheduler.Stop(shutdownCtx)
			return nil

		case <-hupCh:
			requestReload()

		case <-reloadCh:
			if err := a.scheduler.Reload(ctx); err != nil {
				a.log.Error("Ошибка перезагрузки расписаний", "error", err.Error())
				continue
			}
			fmt.Printf("Расписания перезагружены, активных: %d\n", a.scheduler.TimerCount())
		}
	}
}
