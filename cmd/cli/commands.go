package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"sitebackup/internal/core/config"
	"sitebackup/internal/core/store"
	"sitebackup/pkg/types"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hako/durafmt"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <config-id>",
	Short: "Выполнить бэкап по политике вручную",
	Long: `Выполняет бэкап по политике и ждет завершения.

Команда работает в отдельном процессе и не видит реестр выполняющихся бэкапов
запущенного serve. Повторный запуск блокируется только по базе задач: если по
политике есть задача в статусе running, бэкап не начнется. Задачу, оставшуюся
в running после аварийного завершения, нужно отменить командой
"sitebackup job cancel <job-id>". Два процесса, стартовавшие одновременно,
могут обойти эту проверку.

Пример использования:
  sitebackup run 6f1c2a84-6a3e-4d1f-9a53-1f1b1a0c2d11`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			fmt.Println("Запуск процесса бэкапа...")
			jobID, err := a.scheduler.ExecuteManualBackup(ctx, args[0])
			if err != nil {
				return fmt.Errorf("ошибка запуска бэкапа: %w", err)
			}

			job, err := a.store.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			printJob(job)

			if job.Status != types.JobStatusCompleted {
				return fmt.Errorf("бэкап завершился со статусом %s", job.Status)
			}
			return nil
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <config-id>",
	Short: "Удалить бэкапы старше срока хранения",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			cfg, err := a.store.GetConfig(ctx, args[0])
			if err != nil {
				return err
			}
			deleted, err := a.scheduler.CleanupOldBackups(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Printf("Удалено бэкапов: %d\n", deleted)
			return nil
		})
	},
}

var initConfigOutput string

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Создать файл конфигурации со значениями по умолчанию",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(initConfigOutput); err == nil {
			return fmt.Errorf("файл уже существует: %s", initConfigOutput)
		}
		if err := config.NewConfig().SaveConfig(initConfigOutput); err != nil {
			return err
		}
		fmt.Printf("Конфигурация сохранена: %s\n", initConfigOutput)
		return nil
	},
}

func init() {
	initConfigCmd.Flags().StringVarP(&initConfigOutput, "output", "o", "sitebackup.yaml", "путь к создаваемому файлу")
}

// configFlags параметры команды config create
type configFlags struct {
	name          string
	backupType    string
	database      bool
	files         bool
	retention     int
	compression   string
	encrypt       bool
	disabled      bool
	directories   []string
	include       []string
	exclude       []string
	maxFileSize   int64
	tables        []string
	excludeTables []string
	schemaOnly    bool
	dataOnly      bool
	location      string
	path          string
	bucket        string
	prefix        string
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Управление политиками бэкапа",
	}

	var f configFlags
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Создать политику бэкапа",
		Long: `Создает политику бэкапа.

Пример использования:
  sitebackup config create --name nightly --database --files -D /var/www/site --exclude "cache/**"
  sitebackup config create --name hourly --type incremental --database --retention 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := f.backupConfig()
			if err := config.ValidateBackupConfig(cfg); err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.store.CreateConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Printf("Создана политика: %s (%s)\n", cfg.Name, cfg.ID)
				return nil
			})
		},
	}

	flags := createCmd.Flags()
	flags.StringVarP(&f.name, "name", "n", "", "имя политики (обязательный)")
	flags.StringVarP(&f.backupType, "type", "t", string(types.BackupTypeFull), "тип бэкапа: full, incremental, differential")
	flags.BoolVar(&f.database, "database", false, "бэкапить базу данных")
	flags.BoolVar(&f.files, "files", false, "бэкапить файлы")
	flags.IntVarP(&f.retention, "retention", "r", 0, "срок хранения в днях, 0 - хранить всегда")
	flags.StringVarP(&f.compression, "compression", "c", string(types.CompressionGzip), "сжатие: none, gzip, tar, tar.gz, zip")
	flags.BoolVarP(&f.encrypt, "encrypt", "e", false, "шифровать артефакты")
	flags.BoolVar(&f.disabled, "disabled", false, "создать выключенной")
	flags.StringSliceVarP(&f.directories, "dir", "D", nil, "каталоги для бэкапа файлов")
	flags.StringSliceVar(&f.include, "include", nil, "glob-шаблоны включаемых файлов")
	flags.StringSliceVar(&f.exclude, "exclude", nil, "glob-шаблоны исключаемых файлов")
	flags.Int64Var(&f.maxFileSize, "max-file-size", 0, "максимальный размер файла в байтах")
	flags.StringSliceVar(&f.tables, "table", nil, "таблицы для дампа")
	flags.StringSliceVar(&f.excludeTables, "exclude-table", nil, "исключаемые таблицы")
	flags.BoolVar(&f.schemaOnly, "schema-only", false, "выгружать только схему")
	flags.BoolVar(&f.dataOnly, "data-only", false, "выгружать только данные")
	flags.StringVar(&f.location, "location", string(types.LocationLocal), "место назначения: local, s3, gcs")
	flags.StringVar(&f.path, "path", "", "подкаталог или абсолютный путь для локальных бэкапов")
	flags.StringVar(&f.bucket, "bucket", "", "бакет удаленного хранилища")
	flags.StringVar(&f.prefix, "prefix", "", "префикс ключей в удаленном хранилище")
	createCmd.MarkFlagRequired("name")
	createCmd.MarkFlagsMutuallyExclusive("schema-only", "data-only")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Список политик",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				configs, err := a.store.ListConfigs(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tИМЯ\tТИП\tВКЛ\tСОСТАВ\tХРАНЕНИЕ")
				for _, c := range configs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
						c.ID, c.Name, c.Type, c.Enabled, contents(c), retention(c.RetentionDays))
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func (f *configFlags) backupConfig() *types.BackupConfig {
	return &types.BackupConfig{
		ID:              uuid.New().String(),
		Name:            f.name,
		Type:            types.BackupType(f.backupType),
		Enabled:         !f.disabled,
		RetentionDays:   f.retention,
		IncludeFiles:    f.files,
		IncludeDatabase: f.database,
		Compression:     types.Compression(f.compression),
		Encryption:      f.encrypt,
		Database: types.DatabaseBackupOptions{
			IncludeSchema: f.schemaOnly,
			IncludeData:   f.dataOnly,
			Tables:        f.tables,
			ExcludeTables: f.excludeTables,
		},
		Files: types.FileBackupOptions{
			Directories:     f.directories,
			IncludePatterns: f.include,
			ExcludePatterns: f.exclude,
			MaxFileSize:     f.maxFileSize,
		},
		Location: types.BackupLocation{
			Type:   types.LocationType(f.location),
			Path:   f.path,
			Bucket: f.bucket,
			Prefix: f.prefix,
		},
	}
}

func contents(c *types.BackupConfig) string {
	var parts []string
	if c.IncludeDatabase {
		parts = append(parts, "база")
	}
	if c.IncludeFiles {
		parts = append(parts, "файлы")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "+")
}

func retention(days int) string {
	if days <= 0 {
		return "всегда"
	}
	return durafmt.Parse(time.Duration(days) * 24 * time.Hour).String()
}

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Управление расписаниями",
	}

	var (
		configID string
		cronExpr string
		timezone string
		disabled bool
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Добавить расписание",
		Long: `Добавляет cron-расписание для политики. Работающий планировщик подхватит его
после изменения конфигурации или сигнала SIGHUP.

Пример использования:
  sitebackup schedule add --config-id <config-id> --cron "0 3 * * *" --timezone Europe/Moscow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				sch := &types.BackupSchedule{
					ConfigID:       configID,
					CronExpression: cronExpr,
					Timezone:       timezone,
					Enabled:        !disabled,
				}
				if err := a.scheduler.AddSchedule(ctx, sch); err != nil {
					return err
				}
				fmt.Printf("Добавлено расписание: %s\n", sch.ID)
				if sch.NextRun != nil {
					fmt.Printf("Следующий запуск: %s\n", formatTime(sch.NextRun))
				}
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&configID, "config-id", "", "ID политики (обязательный)")
	addCmd.Flags().StringVar(&cronExpr, "cron", "", "cron-выражение из пяти полей (обязательный)")
	addCmd.Flags().StringVar(&timezone, "timezone", "", "часовой пояс IANA, по умолчанию локальный")
	addCmd.Flags().BoolVar(&disabled, "disabled", false, "создать выключенным")
	addCmd.MarkFlagRequired("config-id")
	addCmd.MarkFlagRequired("cron")

	removeCmd := &cobra.Command{
		Use:   "remove <schedule-id>",
		Short: "Удалить расписание",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.scheduler.RemoveSchedule(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Расписание удалено: %s\n", args[0])
				return nil
			})
		},
	}

	var listConfigID string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Список расписаний",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				schedules, err := a.store.ListSchedules(ctx, store.ScheduleFilter{ConfigID: listConfigID})
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tПОЛИТИКА\tCRON\tПОЯС\tВКЛ\tПОСЛЕДНИЙ\tСЛЕДУЮЩИЙ")
				for _, s := range schedules {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\t%s\n",
						s.ID, s.ConfigID, s.CronExpression, orDash(s.Timezone), s.Enabled,
						formatTime(s.LastRun), formatTime(s.NextRun))
				}
				return w.Flush()
			})
		},
	}
	listCmd.Flags().StringVar(&listConfigID, "config-id", "", "фильтр по политике")

	cmd.AddCommand(addCmd, removeCmd, listCmd)
	return cmd
}

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Просмотр и отмена задач бэкапа",
	}

	var (
		configID string
		status   string
		limit    int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "История задач",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				jobs, err := a.store.ListJobs(ctx, store.JobFilter{
					ConfigID: configID,
					Status:   types.JobStatus(status),
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				printJobs(jobs)
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&configID, "config-id", "", "фильтр по политике")
	listCmd.Flags().StringVar(&status, "status", "", "фильтр по статусу")
	listCmd.Flags().IntVarP(&limit, "limit", "l", 20, "максимальное количество задач")

	runningCmd := &cobra.Command{
		Use:   "running",
		Short: "Выполняющиеся задачи",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				jobs, err := a.scheduler.GetRunningJobs(ctx)
				if err != nil {
					return err
				}
				printJobs(jobs)
				return nil
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Отменить выполняющуюся задачу",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				ok, err := a.scheduler.CancelJob(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					fmt.Printf("Задача %s не выполняется, отмена не требуется\n", args[0])
					return nil
				}
				fmt.Printf("Задача отменена: %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, runningCmd, cancelCmd)
	return cmd
}

func printJobs(jobs []*types.BackupJob) {
	if len(jobs) == 0 {
		fmt.Println("Задач нет")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tПОЛИТИКА\tТИП\tЗАПУСК\tСТАТУС\tПРОГРЕСС\tСОЗДАНА\tДЛИТЕЛЬНОСТЬ\tРАЗМЕР")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\t%s\t%s\t%s\n",
			j.ID, j.ConfigID, j.Type, j.Trigger, j.Status, j.Progress,
			humanize.Time(j.CreatedAt), jobDuration(j), humanize.Bytes(uint64(max(j.CompressedSize, 0))))
	}
	w.Flush()
}

func printJob(job *types.BackupJob) {
	fmt.Printf("\nЗадача: %s\n", job.ID)
	fmt.Printf("Статус: %s\n", job.Status)
	fmt.Printf("Тип: %s\n", job.Type)
	if job.FilePath != "" {
		fmt.Printf("Путь к бэкапу: %s\n", job.FilePath)
	}
	if job.FileSize > 0 {
		fmt.Printf("Исходный размер: %s\n", humanize.Bytes(uint64(job.FileSize)))
	}
	if job.CompressedSize > 0 {
		fmt.Printf("Размер артефакта: %s\n", humanize.Bytes(uint64(job.CompressedSize)))
	}
	fmt.Printf("Длительность: %s\n", jobDuration(job))
	if job.ErrorMessage != "" {
		fmt.Printf("Ошибка: %s\n", job.ErrorMessage)
	}
	if v, ok := job.Metadata["validation"].(map[string]any); ok {
		fmt.Printf("Проверка: %v\n", v["valid"])
	}
}

func jobDuration(job *types.BackupJob) string {
	if job.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	return durafmt.Parse(end.Sub(*job.StartedAt).Round(time.Second)).LimitFirstN(2).String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
