// Package scheduler запускает бэкапы по расписанию и вручную, ведет задачи
// и применяет политику хранения.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sitebackup/internal/core/backup"
	"sitebackup/internal/core/store"
	"sitebackup/internal/logger"
	"sitebackup/internal/metrics"
	"sitebackup/pkg/types"

	"github.com/robfig/cron/v3"
)

var (
	// ErrAlreadyRunning по политике уже выполняется бэкап
	ErrAlreadyRunning = errors.New("бэкап по этой политике уже выполняется")
	// ErrConfigNotFound политика не найдена
	ErrConfigNotFound = errors.New("политика бэкапа не найдена")
	// ErrConfigDisabled политика выключена
	ErrConfigDisabled = errors.New("политика бэкапа выключена")
	// ErrInvalidSchedule некорректное расписание
	ErrInvalidSchedule = errors.New("некорректное расписание")
	// ErrNothingToBackup в политике не включен ни бэкап базы, ни бэкап файлов
	ErrNothingToBackup = errors.New("не включен ни бэкап базы данных, ни бэкап файлов")
	// ErrAlreadyStarted планировщик уже запущен
	ErrAlreadyStarted = errors.New("планировщик уже запущен")
)

// DatabaseBackupService сервис бэкапа базы данных
type DatabaseBackupService interface {
	CreateFullBackup(ctx context.Context, jobID string, opts types.DatabaseBackupOptions,
		loc types.BackupLocation, progress types.ProgressFunc) (*types.BackupResult, error)
	CreateIncrementalBackup(ctx context.Context, jobID string, since time.Time, opts types.DatabaseBackupOptions,
		loc types.BackupLocation, progress types.ProgressFunc) (*types.BackupResult, error)
	ValidateBackup(ctx context.Context, filePath string) error
}

// FileBackupService сервис бэкапа файлов
type FileBackupService interface {
	CreateBackup(ctx context.Context, jobID string, opts types.FileBackupOptions,
		loc types.BackupLocation, progress types.ProgressFunc) (*types.BackupResult, error)
	ValidateBackup(ctx context.Context, filePath string) error
}

// Publisher публикует артефакты в удаленные хранилища
type Publisher interface {
	Publish(ctx context.Context, loc types.BackupLocation, localPath string) (*backup.RemoteObject, error)
	Remove(ctx context.Context, obj backup.RemoteObject) error
}

// Encryptor шифрует артефакты
type Encryptor interface {
	Enabled() bool
	EncryptFile(ctx context.Context, inputPath, outputPath string) error
	DecryptFile(ctx context.Context, inputPath, outputPath string) error
	Metadata() map[string]any
}

// Dependencies зависимости планировщика. Publisher, Encryptor и Metrics необязательны.
type Dependencies struct {
	Store     store.JobStore
	Database  DatabaseBackupService
	Files     FileBackupService
	Publisher Publisher
	Encryptor Encryptor
	Metrics   *metrics.Recorder

	// TerminateOnCancel при отмене задачи также прерывает внешний процесс
	TerminateOnCancel bool
}

type timer struct {
	entry cron.EntryID
	spec  string
}

type runningJob struct {
	jobID  string
	cancel context.CancelFunc
}

// Scheduler владеет таймерами расписаний и реестром выполняющихся бэкапов
type Scheduler struct {
	store             store.JobStore
	database          DatabaseBackupService
	files             FileBackupService
	publisher         Publisher
	encryptor         Encryptor
	metrics           *metrics.Recorder
	logger            *logger.StructuredLogger
	terminateOnCancel bool
	now               func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	timers  map[string]timer
	running map[string]*runningJob
	started bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New создает планировщик
func New(deps Dependencies, log *logger.StructuredLogger) *Scheduler {
	baseCtx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:             deps.Store,
		database:          deps.Database,
		files:             deps.Files,
		publisher:         deps.Publisher,
		encryptor:         deps.Encryptor,
		metrics:           deps.Metrics,
		logger:            log.Component("scheduler"),
		terminateOnCancel: deps.TerminateOnCancel,
		now:               func() time.Time { return time.Now().UTC() },
		cron:              cron.New(),
		timers:            make(map[string]timer),
		running:           make(map[string]*runningJob),
		baseCtx:           baseCtx,
		cancelBase:        cancel,
	}
}

// Start загружает активные расписания и запускает таймеры.
// Ошибка загрузки расписаний не останавливает запуск. После Stop
// планировщик можно запустить снова.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	if s.baseCtx.Err() != nil {
		s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	}
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Ошибка загрузки расписаний", "error", err.Error())
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Планировщик запущен", "schedules", s.TimerCount())
	return nil
}

// Stop останавливает таймеры, ждет запущенные по расписанию бэкапы или отмены ctx
// и затем отменяет их контекст.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	s.started = false
	cancelBase := s.cancelBase
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "Не дождались завершения бэкапов")
	}
	cancelBase()

	s.logger.InfoContext(ctx, "Планировщик остановлен")
}

// Reload приводит таймеры в соответствие с активными расписаниями в хранилище
func (s *Scheduler) Reload(ctx context.Context) error {
	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("ошибка получения активных расписаний: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(schedules))
	for _, sch := range schedules {
		seen[sch.ID] = true

		if t, ok := s.timers[sch.ID]; ok {
			if t.spec == cronSpec(sch) {
				continue
			}
			s.removeTimerLocked(sch.ID)
		}

		if err := s.addTimerLocked(sch); err != nil {
			s.logger.ErrorContext(ctx, "Ошибка добавления таймера",
				"schedule_id", sch.ID,
				"cron", sch.CronExpression,
				"error", err.Error())
		}
	}

	for id := range s.timers {
		if !seen[id] {
			s.removeTimerLocked(id)
		}
	}

	s.logger.InfoContext(ctx, "Расписания загружены", "active", len(s.timers))
	return nil
}

// runContext контекст бэкапов по расписанию текущего запуска планировщика
func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// TimerCount количество активных таймеров
func (s *Scheduler) TimerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) hasTimer(scheduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[scheduleID]
	return ok
}

func (s *Scheduler) addTimerLocked(sch *types.BackupSchedule) error {
	spec := cronSpec(sch)
	configID, scheduleID := sch.ConfigID, sch.ID

	entry, err := s.cron.AddFunc(spec, func() {
		s.ExecuteScheduledBackup(s.runContext(), configID, scheduleID)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	s.timers[scheduleID] = timer{entry: entry, spec: spec}
	return nil
}

func (s *Scheduler) removeTimerLocked(scheduleID string) {
	if t, ok := s.timers[scheduleID]; ok {
		s.cron.Remove(t.entry)
		delete(s.timers, scheduleID)
	}
}

// acquire занимает политику в реестре выполняющихся бэкапов
func (s *Scheduler) acquire(configID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.running[configID]; busy {
		return ErrAlreadyRunning
	}
	s.running[configID] = &runningJob{}
	return nil
}

func (s *Scheduler) release(configID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, configID)
}

func (s *Scheduler) attach(configID, jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rj, ok := s.running[configID]; ok {
		rj.jobID = jobID
		rj.cancel = cancel
	}
}

// IsRunning сообщает, выполняется ли бэкап по политике
func (s *Scheduler) IsRunning(configID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[configID]
	return ok
}

// GetRunningJobs возвращает задачи в статусе running
func (s *Scheduler) GetRunningJobs(ctx context.Context) ([]*types.BackupJob, error) {
	return s.store.ListJobs(ctx, store.JobFilter{Status: types.JobStatusRunning})
}

// CancelJob отменяет выполняющуюся задачу. Для задачи в конечном статусе ничего
// не меняет и возвращает false. Процесс бэкапа прерывается только при TerminateOnCancel.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) (bool, error) {
	ok, err := s.store.CancelJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("ошибка отмены задачи: %w", err)
	}
	if !ok {
		return false, nil
	}

	if s.terminateOnCancel {
		s.mu.Lock()
		for _, rj := range s.running {
			if rj.jobID == jobID && rj.cancel != nil {
				rj.cancel()
			}
		}
		s.mu.Unlock()
	}

	s.logger.InfoContext(ctx, "Задача отменена", "job_id", jobID, "terminate", s.terminateOnCancel)
	return true, nil
}

// GetLastBackupTime время завершения последней успешной задачи политики
// или types.EpochSentinel, если таких задач нет
func (s *Scheduler) GetLastBackupTime(ctx context.Context, configID string) (time.Time, error) {
	job, err := s.store.LastCompletedJob(ctx, configID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.EpochSentinel, nil
		}
		return types.EpochSentinel, err
	}
	if job.CompletedAt == nil {
		return types.EpochSentinel, nil
	}
	return *job.CompletedAt, nil
}
