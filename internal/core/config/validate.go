package config

import (
	"errors"
	"fmt"
	"strings"

	"sitebackup/pkg/types"

	"github.com/adhocore/gronx"
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Регистрация кастомных валидаторов
	validate.RegisterValidation("cron", validateCron)
	validate.RegisterValidation("storage_type", validateStorageType)
}

// Validate валидирует конфигурацию приложения
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ValidateBackupConfig валидирует политику бэкапа
func ValidateBackupConfig(cfg *types.BackupConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ValidateSchedule валидирует расписание
func ValidateSchedule(schedule *types.BackupSchedule) error {
	if err := validate.Struct(schedule); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// validateCron валидирует cron-выражение
func validateCron(fl validator.FieldLevel) bool {
	cronExpr := fl.Field().String()
	if cronExpr == "" {
		return true // Пустое значение допустимо
	}

	gron := gronx.New()
	return gron.IsValid(cronExpr)
}

// validateStorageType проверяет тип хранилища
func validateStorageType(fl validator.FieldLevel) bool {
	switch types.LocationType(fl.Field().String()) {
	case types.LocationLocal, types.LocationS3, types.LocationGCS, types.LocationAzure, types.LocationFTP:
		return true
	}
	return false
}

// formatValidationError форматирует ошибки валидации в понятный вид
func formatValidationError(err error) error {
	var messages []string

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, e := range validationErrors {
			messages = append(messages, formatFieldError(e))
		}
	}

	if len(messages) > 0 {
		return fmt.Errorf("ошибки валидации: %s", strings.Join(messages, "; "))
	}

	return err
}

// formatFieldError форматирует ошибку конкретного поля
func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required", "required_if":
		return fmt.Sprintf("поле '%s' обязательно для заполнения", field)
	case "min":
		return fmt.Sprintf("поле '%s' должно быть не меньше %s", field, e.Param())
	case "max":
		return fmt.Sprintf("поле '%s' должно быть не больше %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("поле '%s' должно принимать одно из значений: %s", field, e.Param())
	case "cron":
		return fmt.Sprintf("поле '%s' содержит некорректное cron-выражение", field)
	case "timezone":
		return fmt.Sprintf("поле '%s' содержит неизвестный часовой пояс", field)
	case "storage_type":
		return fmt.Sprintf("поле '%s' содержит неподдерживаемый тип хранилища", field)
	default:
		return fmt.Sprintf("поле '%s' не прошло валидацию '%s'", field, tag)
	}
}
