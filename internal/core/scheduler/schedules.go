package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sitebackup/internal/core/config"
	"sitebackup/internal/core/store"
	"sitebackup/pkg/types"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// cronSpec выражение для cron с учетом часового пояса расписания
func cronSpec(sch *types.BackupSchedule) string {
	if sch.Timezone == "" {
		return sch.CronExpression
	}
	return "CRON_TZ=" + sch.Timezone + " " + sch.CronExpression
}

func scheduleLocation(sch *types.BackupSchedule) (*time.Location, error) {
	if sch.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(sch.Timezone)
}

// nextRun ближайший запуск расписания после from
func nextRun(sch *types.BackupSchedule, from time.Time) (time.Time, error) {
	loc, err := scheduleLocation(sch)
	if err != nil {
		return time.Time{}, fmt.Errorf("неизвестный часовой пояс %q: %w", sch.Timezone, err)
	}

	next, err := gronx.NextTickAfter(sch.CronExpression, from.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("ошибка вычисления следующего запуска: %w", err)
	}
	return next.UTC(), nil
}

// AddSchedule проверяет и сохраняет расписание. Таймер создается только для включенного расписания.
func (s *Scheduler) AddSchedule(ctx context.Context, sch *types.BackupSchedule) error {
	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}

	if err := config.ValidateSchedule(sch); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if _, err := cron.ParseStandard(cronSpec(sch)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	if _, err := s.store.GetConfig(ctx, sch.ConfigID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, sch.ConfigID)
		}
		return fmt.Errorf("ошибка получения политики: %w", err)
	}

	next, err := nextRun(sch, s.now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	sch.NextRun = &next

	if err := s.store.CreateSchedule(ctx, sch); err != nil {
		return fmt.Errorf("ошибка сохранения расписания: %w", err)
	}

	if sch.Enabled {
		s.mu.Lock()
		err = s.addTimerLocked(sch)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}

	s.logger.InfoContext(ctx, "Расписание добавлено",
		"schedule_id", sch.ID,
		"config_id", sch.ConfigID,
		"cron", sch.CronExpression,
		"timezone", sch.Timezone,
		"next_run", next)
	return nil
}

// RemoveSchedule останавливает таймер и удаляет расписание
func (s *Scheduler) RemoveSchedule(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	s.removeTimerLocked(scheduleID)
	s.mu.Unlock()

	if err := s.store.DeleteSchedule(ctx, scheduleID); err != nil {
		return fmt.Errorf("ошибка удаления расписания: %w", err)
	}

	s.logger.InfoContext(ctx, "Расписание удалено", "schedule_id", scheduleID)
	return nil
}

// recordScheduleRun фиксирует последний запуск и пересчитывает следующий
func (s *Scheduler) recordScheduleRun(ctx context.Context, scheduleID string, ranAt time.Time) {
	sch, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		s.logger.WarnContext(ctx, "Расписание не найдено после запуска",
			"schedule_id", scheduleID,
			"error", err.Error())
		return
	}

	var nextPtr *time.Time
	if next, err := nextRun(sch, s.now()); err == nil {
		nextPtr = &next
	} else {
		s.logger.WarnContext(ctx, "Ошибка вычисления следующего запуска",
			"schedule_id", scheduleID,
			"error", err.Error())
	}

	if err := s.store.UpdateScheduleRun(ctx, scheduleID, &ranAt, nextPtr); err != nil {
		s.logger.WarnContext(ctx, "Ошибка обновления расписания",
			"schedule_id", scheduleID,
			"error", err.Error())
	}
}
