package backup

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"sitebackup/pkg/types"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
)

// archiveExt расширение артефакта для режима сжатия
func archiveExt(c types.Compression) string {
	switch c {
	case types.CompressionTar, types.CompressionNone:
		return ".tar"
	case types.CompressionZip:
		return ".zip"
	default:
		return ".tar.gz"
	}
}

// archiverCommand собирает команду архиватора. Пути файлов передаются через stdin
// относительно корня файловой системы.
func archiverCommand(c types.Compression, outPath string) command {
	switch c {
	case types.CompressionZip:
		return command{program: "zip", args: []string{outPath, "-@"}, dir: "/"}
	case types.CompressionTarGz, "":
		return command{program: "tar", args: []string{"-czvf", outPath, "-C", "/", "-T", "-"}}
	default:
		return command{program: "tar", args: []string{"-cvf", outPath, "-C", "/", "-T", "-"}}
	}
}

// runArchiver передает список файлов в stdin архиватора и считает строки его stdout
func runArchiver(ctx context.Context, spec command, files []string, onLine func(n int)) error {
	cmd := spec.build(ctx)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ошибка подключения к stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ошибка подключения к stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ошибка запуска %s: %w", spec.program, err)
	}

	var g errgroup.Group
	g.Go(func() error {
		defer stdin.Close()
		w := bufio.NewWriter(stdin)
		for _, f := range files {
			if _, err := w.WriteString(strings.TrimPrefix(f, "/") + "\n"); err != nil {
				return err
			}
		}
		return w.Flush()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		n := 0
		for scanner.Scan() {
			n++
			onLine(n)
		}
		return scanner.Err()
	})
	ioErr := g.Wait()

	if err := cmd.Wait(); err != nil {
		return processError(spec.program, err, stderr.String())
	}
	if ioErr != nil {
		return fmt.Errorf("ошибка обмена данными с %s: %w", spec.program, ioErr)
	}
	return nil
}

// gzipFile сжимает src в dst потоком
func gzipFile(ctx context.Context, src, dst string, level int) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("ошибка открытия архива: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("ошибка создания сжатого файла: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	gz, err := gzip.NewWriterLevel(out, level)
	if err != nil {
		return fmt.Errorf("ошибка создания gzip writer: %w", err)
	}

	if _, err := io.Copy(gz, contextReader{ctx: ctx, r: in}); err != nil {
		gz.Close()
		return fmt.Errorf("ошибка сжатия архива: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("ошибка завершения сжатия: %w", err)
	}
	return nil
}

// contextReader прерывает чтение при отмене контекста
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// archiveTestCommand команда проверки целостности архива по расширению
func archiveTestCommand(filePath string) (command, bool) {
	switch {
	case strings.HasSuffix(filePath, ".gz"), strings.HasSuffix(filePath, ".tgz"):
		return command{program: "gunzip", args: []string{"-t", filePath}}, true
	case strings.HasSuffix(filePath, ".zip"):
		return command{program: "unzip", args: []string{"-tq", filePath}}, true
	case strings.HasSuffix(filePath, ".tar"):
		return command{program: "tar", args: []string{"-tf", filePath}}, true
	default:
		return command{}, false
	}
}
