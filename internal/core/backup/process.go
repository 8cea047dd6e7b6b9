package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// processWaitDelay сколько Wait ждет закрытия каналов ввода-вывода после
// завершения или остановки процесса. Дочерние процессы утилиты могут держать
// stdout открытым дольше родителя.
const processWaitDelay = 5 * time.Second

// ProcessError ошибка внешней программы с захваченным stderr
type ProcessError struct {
	Program  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s завершился с кодом %d: %v", e.Program, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s завершился с кодом %d: %s", e.Program, e.ExitCode, stderr)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// command описание запуска внешней программы
type command struct {
	program string
	args    []string
	env     []string
	dir     string
}

// build создает exec.Cmd, привязанный к контексту
func (c command) build(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.program, c.args...)
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	cmd.Dir = c.dir
	cmd.WaitDelay = processWaitDelay
	return cmd
}

// stream передает stdout программы в w и возвращает число переданных байт.
// При ошибке записи процесс останавливается до Wait: иначе он блокируется
// на заполненном канале и Wait не возвращается.
func (c command) stream(ctx context.Context, w io.Writer, onStart func()) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := c.build(ctx)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("ошибка подключения к stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("ошибка запуска %s: %w", c.program, err)
	}
	if onStart != nil {
		onStart()
	}

	n, copyErr := io.Copy(w, stdout)
	if copyErr != nil {
		cancel()
		cmd.Wait()
		return n, fmt.Errorf("ошибка записи вывода %s: %w", c.program, copyErr)
	}
	if err := cmd.Wait(); err != nil {
		return n, processError(c.program, err, stderr.String())
	}
	return n, nil
}

// run запускает программу и ждет завершения. Ненулевой код выхода
// превращается в ProcessError с текстом stderr.
func (c command) run(ctx context.Context) error {
	cmd := c.build(ctx)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return processError(c.program, err, stderr.String())
	}
	return nil
}

func processError(program string, err error, stderr string) error {
	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return &ProcessError{
		Program:  program,
		ExitCode: exitCode,
		Stderr:   stderr,
		Err:      err,
	}
}
