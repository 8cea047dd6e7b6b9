package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"sitebackup/internal/logger"
	"sitebackup/pkg/types"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNoFiles по шаблонам не найдено ни одного файла
var ErrNoFiles = errors.New("нет файлов для бэкапа")

const defaultIncludePattern = "**/*"

// FileService архивирует файлы сайта
type FileService struct {
	locations *Locations
	level     int
	logger    *logger.StructuredLogger
}

// NewFileService создает сервис бэкапа файлов
func NewFileService(locations *Locations, compressionLevel int, log *logger.StructuredLogger) *FileService {
	return &FileService{
		locations: locations,
		level:     compressionLevel,
		logger:    log.Component("file_backup"),
	}
}

// CollectFiles раскрывает шаблоны по каталогам. Возвращает абсолютные пути
// без повторов и суммарный размер файлов.
func (s *FileService) CollectFiles(ctx context.Context, opts types.FileBackupOptions) ([]string, int64, error) {
	includes := opts.IncludePatterns
	if len(includes) == 0 {
		includes = []string{defaultIncludePattern}
	}
	for _, p := range append(append([]string{}, includes...), opts.ExcludePatterns...) {
		if !doublestar.ValidatePattern(p) {
			return nil, 0, fmt.Errorf("некорректный шаблон: %q", p)
		}
	}

	var (
		files []string
		total int64
		seen  = make(map[string]struct{})
	)

	for _, dir := range opts.Directories {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			return nil, 0, fmt.Errorf("ошибка определения пути %s: %w", dir, err)
		}
		if info, err := os.Stat(absDir); err != nil || !info.IsDir() {
			s.logger.WarnContext(ctx, "Каталог недоступен, пропускаем", "directory", absDir)
			continue
		}

		fsys := os.DirFS(absDir)
		for _, pattern := range includes {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}

			matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
			if err != nil {
				return nil, 0, fmt.Errorf("ошибка поиска файлов по шаблону %q: %w", pattern, err)
			}

			for _, rel := range matches {
				full := filepath.Join(absDir, filepath.FromSlash(rel))
				if _, ok := seen[full]; ok {
					continue
				}
				if excluded(opts.ExcludePatterns, rel) {
					continue
				}

				info, err := fs.Stat(fsys, rel)
				if err != nil {
					s.logger.WarnContext(ctx, "Ошибка чтения информации о файле", "file", full, "error", err.Error())
					continue
				}
				if opts.MaxFileSize > 0 && info.Size() > opts.MaxFileSize {
					continue
				}

				seen[full] = struct{}{}
				files = append(files, full)
				total += info.Size()
			}
		}
	}

	if len(files) == 0 {
		return nil, 0, ErrNoFiles
	}
	return files, total, nil
}

func excluded(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// CreateBackup собирает файлы и упаковывает их внешним архиватором
func (s *FileService) CreateBackup(ctx context.Context, jobID string, opts types.FileBackupOptions,
	loc types.BackupLocation, progress types.ProgressFunc) (*types.BackupResult, error) {
	dir, err := s.locations.OutputDir(loc)
	if err != nil {
		return nil, err
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return nil, fmt.Errorf("ошибка определения пути: %w", err)
	}

	reportProgress(progress, 0)
	files, total, err := s.CollectFiles(ctx, opts)
	if err != nil {
		return nil, err
	}
	reportProgress(progress, 30)

	compression := opts.Compression
	if compression == "" {
		compression = types.CompressionTarGz
	}
	outPath := filepath.Join(dir, artifactName("files", jobID, archiveExt(compression)))

	s.logger.InfoContext(ctx, "Архивирование файлов",
		"job_id", jobID,
		"files", len(files),
		"compression", compression,
		"output", outPath)

	archivePath := outPath
	if compression == types.CompressionGzip {
		archivePath = filepath.Join(dir, artifactName("files", jobID, ".tar"))
	}

	onLine := func(n int) {
		if n > len(files) {
			n = len(files)
		}
		reportProgress(progress, 30+50*n/len(files))
	}

	spec := archiverCommand(compression, archivePath)
	if compression == types.CompressionGzip {
		spec = archiverCommand(types.CompressionTar, archivePath)
	}
	if err := runArchiver(ctx, spec, files, onLine); err != nil {
		os.Remove(archivePath)
		return nil, err
	}
	reportProgress(progress, 80)

	if compression == types.CompressionGzip {
		err := gzipFile(ctx, archivePath, outPath, s.level)
		os.Remove(archivePath)
		if err != nil {
			return nil, err
		}
	}
	reportProgress(progress, 90)

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения информации об архиве: %w", err)
	}
	reportProgress(progress, 100)

	return &types.BackupResult{
		FilePath:       outPath,
		Size:           total,
		CompressedSize: info.Size(),
		FilesCount:     len(files),
		Metadata: types.JobMetadata{
			"compression": string(compression),
			"directories": opts.Directories,
			"files_count": len(files),
		},
	}, nil
}

// ValidateBackup проверяет целостность архива системной утилитой
func (s *FileService) ValidateBackup(ctx context.Context, filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("файл бэкапа недоступен: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("файл бэкапа пуст: %s", filePath)
	}

	spec, ok := archiveTestCommand(filePath)
	if !ok {
		return nil
	}
	return spec.run(ctx)
}
