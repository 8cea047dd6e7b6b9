package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// replayScript пишет сценарий повторного применения измененных строк
type replayScript struct {
	w       io.Writer
	dialect dialect
	since   time.Time
}

func (s *replayScript) header(source string) error {
	_, err := fmt.Fprintf(s.w, "-- Инкрементальный бэкап %s\n-- Изменения начиная с %s\n\n",
		source, s.since.UTC().Format(time.RFC3339))
	return err
}

// writeTable выгружает строки таблицы, измененные после since, внутри транзакции
func (s *replayScript) writeTable(ctx context.Context, db *sqlx.DB, table string, count int64) (int64, error) {
	ident := s.dialect.quoteIdent(table)
	sinceLiteral := s.dialect.literal(s.dialect.sinceArg(s.since), "")

	if _, err := fmt.Fprintf(s.w, "-- %s: %d строк\nBEGIN;\nDELETE FROM %s WHERE updated_at >= %s;\n",
		table, count, ident, sinceLiteral); err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE updated_at >= %s", ident, s.dialect.placeholder(1))
	rows, err := db.QueryxContext(ctx, query, s.dialect.sinceArg(s.since))
	if err != nil {
		return 0, fmt.Errorf("ошибка выборки строк %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("ошибка получения колонок %s: %w", table, err)
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return 0, fmt.Errorf("ошибка получения типов колонок %s: %w", table, err)
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = s.dialect.quoteIdent(c)
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES (", ident, strings.Join(quoted, ", "))

	var written int64
	values := make([]string, len(columns))
	for rows.Next() {
		row, err := rows.SliceScan()
		if err != nil {
			return written, fmt.Errorf("ошибка чтения строки %s: %w", table, err)
		}
		for i, v := range row {
			values[i] = s.dialect.literal(v, columnTypes[i].DatabaseTypeName())
		}
		if _, err := io.WriteString(s.w, prefix+strings.Join(values, ", ")+");\n"); err != nil {
			return written, err
		}
		written++
	}
	if err := rows.Err(); err != nil {
		return written, fmt.Errorf("ошибка итерации по строкам %s: %w", table, err)
	}

	_, err = io.WriteString(s.w, "COMMIT;\n\n")
	return written, err
}

var errMarkerFound = errors.New("маркер найден")

// markerWriter ищет маркеры в потоке, сохраняя хвост предыдущего фрагмента
type markerWriter struct {
	markers [][]byte
	tail    []byte
	keep    int
}

func newMarkerWriter(markers ...string) *markerWriter {
	m := &markerWriter{}
	for _, mk := range markers {
		m.markers = append(m.markers, []byte(mk))
		if len(mk)-1 > m.keep {
			m.keep = len(mk) - 1
		}
	}
	return m
}

func (m *markerWriter) Write(p []byte) (int, error) {
	buf := append(m.tail, p...)
	for _, mk := range m.markers {
		if bytes.Contains(buf, mk) {
			return len(p), errMarkerFound
		}
	}
	start := len(buf) - m.keep
	if start < 0 {
		start = 0
	}
	m.tail = append([]byte(nil), buf[start:]...)
	return len(p), nil
}

// countingWriter считает записанные байты
type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
