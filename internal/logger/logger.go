package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/natefinch/lumberjack.v2"
)

// StructuredLogger обертка над slog с дополнительной функциональностью
type StructuredLogger struct {
	logger    *slog.Logger
	component string
}

// LogConfig конфигурация логирования
type LogConfig struct {
	Level      slog.Level `json:"level"`
	Format     string     `json:"format"` // "json" или "text"
	OutputFile string     `json:"output_file,omitempty"`
	MaxSize    int        `json:"max_size"` // MB
	MaxBackups int        `json:"max_backups"`
	MaxAge     int        `json:"max_age"` // дни
	Compress   bool       `json:"compress"`

	// Writer заменяет stderr, если файл не задан
	Writer io.Writer `json:"-"`
}

// DefaultLogConfig возвращает конфигурацию по умолчанию
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:      slog.LevelInfo,
		Format:     "json",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}
}

// NewStructuredLogger создает новый структурированный логгер
func NewStructuredLogger(component string) *StructuredLogger {
	return NewStructuredLoggerWithConfig(component, DefaultLogConfig())
}

// NewDiscardLogger создает логгер, который ничего не пишет
func NewDiscardLogger(component string) *StructuredLogger {
	config := DefaultLogConfig()
	config.Writer = io.Discard
	return NewStructuredLoggerWithConfig(component, config)
}

// NewStructuredLoggerWithConfig создает логгер с кастомной конфигурацией
func NewStructuredLoggerWithConfig(component string, config *LogConfig) *StructuredLogger {
	var writer io.Writer

	switch {
	case config.OutputFile != "":
		// Создаем директорию для логов если нужно
		dir := filepath.Dir(config.OutputFile)
		os.MkdirAll(dir, 0755)

		// Настройка ротации логов
		writer = &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
	case config.Writer != nil:
		writer = config.Writer
	default:
		writer = os.Stderr
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.Level <= slog.LevelDebug,
	}

	if config.Format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return &StructuredLogger{
		logger:    slog.New(handler),
		component: component,
	}
}

// ParseLevel переводит строковый уровень из конфигурации в slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component возвращает логгер того же вывода для другого компонента
func (l *StructuredLogger) Component(component string) *StructuredLogger {
	return &StructuredLogger{
		logger:    l.logger,
		component: component,
	}
}

// withComponent добавляет компонент в контекст логирования
func (l *StructuredLogger) withComponent() *slog.Logger {
	return l.logger.With("component", l.component)
}

// Debug логирование на уровне DEBUG
func (l *StructuredLogger) Debug(msg string, args ...any) {
	l.withComponent().Debug(msg, args...)
}

// DebugContext логирование на уровне DEBUG с контекстом
func (l *StructuredLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.withComponent().DebugContext(ctx, msg, args...)
}

// Info логирование на уровне INFO
func (l *StructuredLogger) Info(msg string, args ...any) {
	l.withComponent().Info(msg, args...)
}

// InfoContext логирование на уровне INFO с контекстом
func (l *StructuredLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.withComponent().InfoContext(ctx, msg, args...)
}

// Warn логирование на уровне WARN
func (l *StructuredLogger) Warn(msg string, args ...any) {
	l.withComponent().Warn(msg, args...)
}

// WarnContext логирование на уровне WARN с контекстом
func (l *StructuredLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.withComponent().WarnContext(ctx, msg, args...)
}

// Error логирование на уровне ERROR
func (l *StructuredLogger) Error(msg string, args ...any) {
	l.withComponent().Error(msg, args...)
}

// ErrorContext логирование на уровне ERROR с контекстом
func (l *StructuredLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.withComponent().ErrorContext(ctx, msg, args...)
}

// WithFields создает логгер с предустановленными полями
func (l *StructuredLogger) WithFields(fields map[string]any) *StructuredLogger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	return &StructuredLogger{
		logger:    l.logger.With(args...),
		component: l.component,
	}
}

// JobLogger специализированный логгер для задачи бэкапа
type JobLogger struct {
	*StructuredLogger
	jobID    string
	configID string
}

// ForJob создает логгер задачи бэкапа
func (l *StructuredLogger) ForJob(jobID, configID string) *JobLogger {
	return &JobLogger{
		StructuredLogger: l.WithFields(map[string]any{
			"job_id":    jobID,
			"config_id": configID,
		}),
		jobID:    jobID,
		configID: configID,
	}
}

// LogJobStart логирует начало бэкапа
func (jl *JobLogger) LogJobStart(ctx context.Context, trigger, strategy string) {
	jl.InfoContext(ctx, "Начало выполнения бэкапа",
		"trigger", trigger,
		"strategy", strategy,
		"timestamp", time.Now())
}

// LogJobProgress логирует прогресс бэкапа
func (jl *JobLogger) LogJobProgress(ctx context.Context, percent int) {
	jl.DebugContext(ctx, "Прогресс бэкапа", "progress_percent", percent)
}

// LogJobComplete логирует завершение бэкапа
func (jl *JobLogger) LogJobComplete(ctx context.Context, result JobResult) {
	jl.InfoContext(ctx, "Бэкап завершен успешно",
		"file_path", result.FilePath,
		"size", result.Size,
		"size_human", humanize.Bytes(uint64(max(result.Size, 0))),
		"compressed_size", result.CompressedSize,
		"files_count", result.FilesCount,
		"duration", result.Duration,
		"encrypted", result.Encrypted)
}

// LogJobError логирует ошибку бэкапа
func (jl *JobLogger) LogJobError(ctx context.Context, err error, operation string) {
	jl.ErrorContext(ctx, "Ошибка при выполнении бэкапа",
		"error", err.Error(),
		"operation", operation,
		"timestamp", time.Now())
}

// JobResult результат выполнения бэкапа для логирования
type JobResult struct {
	FilePath       string
	Size           int64
	CompressedSize int64
	FilesCount     int
	Duration       time.Duration
	Encrypted      bool
}
