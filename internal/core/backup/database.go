package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"sitebackup/internal/core/config"
	"sitebackup/internal/logger"
	"sitebackup/pkg/types"

	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
)

// DatabaseService создает и проверяет бэкапы базы данных приложения
type DatabaseService struct {
	source    config.SourceConfig
	dialect   dialect
	level     int
	locations *Locations
	logger    *logger.StructuredLogger
}

// NewDatabaseService создает сервис для источника из конфигурации
func NewDatabaseService(source config.SourceConfig, compressionLevel int, locations *Locations, log *logger.StructuredLogger) (*DatabaseService, error) {
	d, err := newDialect(source.Driver)
	if err != nil {
		return nil, err
	}
	return &DatabaseService{
		source:    source,
		dialect:   d,
		level:     compressionLevel,
		locations: locations,
		logger:    log.Component("database_backup"),
	}, nil
}

func reportProgress(progress types.ProgressFunc, percent int) {
	if progress != nil {
		progress(percent)
	}
}

// CreateFullBackup выгружает базу внешней утилитой дампа
func (s *DatabaseService) CreateFullBackup(ctx context.Context, jobID string, opts types.DatabaseBackupOptions,
	loc types.BackupLocation, progress types.ProgressFunc) (*types.BackupResult, error) {
	dir, err := s.locations.OutputDir(loc)
	if err != nil {
		return nil, err
	}

	if _, ok := s.dialect.(sqliteDialect); ok && len(opts.ExcludeTables) > 0 {
		tables, err := s.resolveTables(ctx, opts)
		if err != nil {
			return nil, err
		}
		opts.Tables, opts.ExcludeTables = tables, nil
	}

	cmdSpec, err := s.dialect.dumpCommand(s.source, opts)
	if err != nil {
		return nil, err
	}

	compress := opts.Compression == types.CompressionGzip
	ext := ".sql"
	if compress {
		ext += ".gz"
	}
	outPath := filepath.Join(dir, artifactName("db", jobID, ext))

	s.logger.InfoContext(ctx, "Запуск дампа базы данных",
		"job_id", jobID,
		"program", cmdSpec.program,
		"output", outPath)

	size, err := s.runDump(ctx, cmdSpec, outPath, compress, progress)
	if err != nil {
		os.Remove(outPath)
		return nil, err
	}
	reportProgress(progress, 90)

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения информации о дампе: %w", err)
	}
	reportProgress(progress, 100)

	metadata := types.JobMetadata{
		"driver":      s.source.Driver,
		"compression": string(opts.Compression),
	}
	if len(opts.Tables) > 0 {
		metadata["tables"] = opts.Tables
	}

	return &types.BackupResult{
		FilePath:       outPath,
		Size:           size,
		CompressedSize: info.Size(),
		Metadata:       metadata,
	}, nil
}

// runDump передает stdout утилиты в файл, через pgzip при сжатии.
// Возвращает количество байт, выданных утилитой.
func (s *DatabaseService) runDump(ctx context.Context, spec command, outPath string, compress bool,
	progress types.ProgressFunc) (int64, error) {
	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания файла дампа: %w", err)
	}
	defer out.Close()

	var (
		w  io.Writer = out
		gz *pgzip.Writer
	)
	if compress {
		gz, err = pgzip.NewWriterLevel(out, s.level)
		if err != nil {
			return 0, fmt.Errorf("ошибка создания gzip writer: %w", err)
		}
		w = gz
	}

	n, err := spec.stream(ctx, w, func() { reportProgress(progress, 10) })
	if err != nil {
		return 0, fmt.Errorf("ошибка выгрузки дампа: %w", err)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return 0, fmt.Errorf("ошибка завершения сжатия: %w", err)
		}
	}
	if err := out.Sync(); err != nil {
		return 0, fmt.Errorf("ошибка сохранения дампа: %w", err)
	}

	return n, nil
}

// CreateIncrementalBackup выгружает строки, измененные начиная с since, в сценарий
// DELETE + INSERT. Если изменений нет, файл не создается.
func (s *DatabaseService) CreateIncrementalBackup(ctx context.Context, jobID string, since time.Time,
	opts types.DatabaseBackupOptions, loc types.BackupLocation, progress types.ProgressFunc) (*types.BackupResult, error) {
	dir, err := s.locations.OutputDir(loc)
	if err != nil {
		return nil, err
	}

	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	tables, err := s.probeTables(ctx, db, opts)
	if err != nil {
		return nil, err
	}
	reportProgress(progress, 10)

	compress := opts.Compression == types.CompressionGzip
	ext := ".sql"
	if compress {
		ext += ".gz"
	}
	outPath := filepath.Join(dir, artifactName("db_incremental", jobID, ext))

	var (
		out      *os.File
		gz       *pgzip.Writer
		script   *replayScript
		counter  = &countingWriter{}
		modified = make([]string, 0)
		rowsOut  int64
	)
	cleanup := func() {
		if gz != nil {
			gz.Close()
		}
		if out != nil {
			out.Close()
			os.Remove(outPath)
		}
	}

	for i, table := range tables {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, err
		}

		count, err := s.countModified(ctx, db, table, since)
		if err != nil {
			cleanup()
			return nil, err
		}

		if count > 0 {
			if script == nil {
				out, err = os.Create(outPath)
				if err != nil {
					return nil, fmt.Errorf("ошибка создания файла бэкапа: %w", err)
				}
				var w io.Writer = out
				if compress {
					if gz, err = pgzip.NewWriterLevel(out, s.level); err != nil {
						cleanup()
						return nil, fmt.Errorf("ошибка создания gzip writer: %w", err)
					}
					w = gz
				}
				script = &replayScript{w: io.MultiWriter(w, counter), dialect: s.dialect, since: since}
				if err := script.header(s.source.Driver); err != nil {
					cleanup()
					return nil, fmt.Errorf("ошибка записи сценария: %w", err)
				}
			}

			written, err := script.writeTable(ctx, db, table, count)
			if err != nil {
				cleanup()
				return nil, err
			}
			modified = append(modified, table)
			rowsOut += written
		}

		reportProgress(progress, 10+80*(i+1)/len(tables))
	}

	metadata := types.JobMetadata{
		"driver":          s.source.Driver,
		"since":           since.UTC().Format(time.RFC3339),
		"probed_tables":   len(tables),
		"modified_tables": modified,
		"rows":            rowsOut,
	}

	if script == nil {
		s.logger.InfoContext(ctx, "Изменений с момента последнего бэкапа нет",
			"job_id", jobID,
			"since", since)
		reportProgress(progress, 100)
		return &types.BackupResult{Metadata: metadata}, nil
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			gz = nil
			cleanup()
			return nil, fmt.Errorf("ошибка завершения сжатия: %w", err)
		}
		gz = nil
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("ошибка сохранения сценария: %w", err)
	}
	reportProgress(progress, 90)

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения информации о файле: %w", err)
	}
	reportProgress(progress, 100)

	return &types.BackupResult{
		FilePath:       outPath,
		Size:           counter.n,
		CompressedSize: info.Size(),
		Metadata:       metadata,
	}, nil
}

func (s *DatabaseService) open(ctx context.Context) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, s.dialect.driverName(), s.source.DSN)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к источнику: %w", err)
	}
	return db, nil
}

// probeTables возвращает таблицы для проверки изменений: явный список
// source.probe_tables или все таблицы с колонкой updated_at.
func (s *DatabaseService) probeTables(ctx context.Context, db *sqlx.DB, opts types.DatabaseBackupOptions) ([]string, error) {
	tables := s.source.ProbeTables
	if len(tables) == 0 {
		if err := db.SelectContext(ctx, &tables, s.dialect.updatedAtTablesQuery()); err != nil {
			return nil, fmt.Errorf("ошибка поиска таблиц с updated_at: %w", err)
		}
	}

	result := make([]string, 0, len(tables))
	for _, t := range tables {
		if len(opts.Tables) > 0 && !containsTable(opts.Tables, t) {
			continue
		}
		if containsTable(opts.ExcludeTables, t) {
			continue
		}
		if !validTableName(t) {
			return nil, fmt.Errorf("недопустимое имя таблицы: %q", t)
		}
		result = append(result, t)
	}
	return result, nil
}

// resolveTables раскрывает список исключений в явный список таблиц
func (s *DatabaseService) resolveTables(ctx context.Context, opts types.DatabaseBackupOptions) ([]string, error) {
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var all []string
	if err := db.SelectContext(ctx, &all, s.dialect.allTablesQuery()); err != nil {
		return nil, fmt.Errorf("ошибка получения списка таблиц: %w", err)
	}

	var tables []string
	for _, t := range all {
		if len(opts.Tables) > 0 && !containsTable(opts.Tables, t) {
			continue
		}
		if !containsTable(opts.ExcludeTables, t) {
			tables = append(tables, t)
		}
	}
	if len(tables) == 0 {
		return nil, errors.New("после исключений не осталось таблиц для выгрузки")
	}
	return tables, nil
}

func containsTable(list []string, table string) bool {
	return slices.ContainsFunc(list, func(t string) bool {
		return strings.EqualFold(t, table)
	})
}

func (s *DatabaseService) countModified(ctx context.Context, db *sqlx.DB, table string, since time.Time) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE updated_at >= %s",
		s.dialect.quoteIdent(table), s.dialect.placeholder(1))

	var count int64
	if err := db.GetContext(ctx, &count, query, s.dialect.sinceArg(since)); err != nil {
		return 0, fmt.Errorf("ошибка подсчета измененных строк %s: %w", table, err)
	}
	return count, nil
}

// ValidateBackup проверяет, что дамп существует, не пуст и похож на SQL
func (s *DatabaseService) ValidateBackup(ctx context.Context, filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("файл бэкапа недоступен: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("файл бэкапа пуст: %s", filePath)
	}

	isGzip := strings.HasSuffix(filePath, ".sql.gz")
	if !isGzip && !strings.HasSuffix(filePath, ".sql") {
		return nil
	}

	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("ошибка открытия файла бэкапа: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if isGzip {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("ошибка чтения gzip заголовка: %w", err)
		}
		defer gr.Close()
		r = gr
	}

	_, err = io.Copy(newMarkerWriter("--", "INSERT", "CREATE"), r)
	switch {
	case errors.Is(err, errMarkerFound):
		return nil
	case err != nil:
		return fmt.Errorf("ошибка чтения файла бэкапа: %w", err)
	default:
		return fmt.Errorf("файл %s не содержит SQL", filePath)
	}
}
