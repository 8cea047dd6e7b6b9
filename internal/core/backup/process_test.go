package backup

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("no space left on device")

// failingWriter принимает limit байт, затем возвращает ошибку
type failingWriter struct {
	limit   int
	written int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.written+len(p) > w.limit {
		return 0, errDiskFull
	}
	w.written += len(p)
	return len(p), nil
}

func TestCommandStream_WriteFailureStopsProcess(t *testing.T) {
	// утилита пишет бесконечно и заблокировалась бы на полном канале
	script := writeScript(t, `cat /dev/zero`)
	spec := command{program: script}

	started := false
	type outcome struct {
		n   int64
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		n, err := spec.stream(context.Background(), &failingWriter{limit: 64 << 10}, func() { started = true })
		done <- outcome{n, err}
	}()

	select {
	case res := <-done:
		require.Error(t, res.err)
		assert.ErrorIs(t, res.err, errDiskFull)
		var procErr *ProcessError
		assert.False(t, errors.As(res.err, &procErr), "ошибка записи важнее кода выхода")
		assert.LessOrEqual(t, res.n, int64(64<<10))
		assert.True(t, started)
	case <-time.After(processWaitDelay + 10*time.Second):
		t.Fatal("stream не вернулся после ошибки записи")
	}
}

func TestCommandStream_Success(t *testing.T) {
	script := writeScript(t, `printf 'CREATE TABLE t (id int);'`)

	var buf bytes.Buffer
	n, err := command{program: script}.stream(context.Background(), &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE t (id int);", buf.String())
	assert.Equal(t, int64(buf.Len()), n)
}

func TestCommandStream_ExitCode(t *testing.T) {
	script := writeScript(t, `echo "access denied" >&2
exit 3`)

	_, err := command{program: script}.stream(context.Background(), &bytes.Buffer{}, nil)
	var procErr *ProcessError
	require.True(t, errors.As(err, &procErr))
	assert.Equal(t, 3, procErr.ExitCode)
	assert.Contains(t, procErr.Stderr, "access denied")
}

func TestCommand_BuildSetsWaitDelay(t *testing.T) {
	cmd := command{program: "true"}.build(context.Background())
	assert.Equal(t, processWaitDelay, cmd.WaitDelay)
}
