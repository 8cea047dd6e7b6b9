package backup

import (
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sitebackup/internal/core/config"
	"sitebackup/pkg/types"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/kballard/go-shellquote"
	_ "github.com/mattn/go-sqlite3"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// validTableName проверяет имя таблицы перед подстановкой в запрос
func validTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

// dialect различия источников: утилита дампа, интроспекция и формат литералов
type dialect interface {
	// driverName имя драйвера database/sql
	driverName() string
	dumpCommand(source config.SourceConfig, opts types.DatabaseBackupOptions) (command, error)
	// updatedAtTablesQuery возвращает таблицы с колонкой updated_at
	updatedAtTablesQuery() string
	// allTablesQuery возвращает все пользовательские таблицы
	allTablesQuery() string
	placeholder(n int) string
	quoteIdent(name string) string
	// sinceArg значение параметра для сравнения с updated_at
	sinceArg(t time.Time) any
	literal(v any, dbType string) string
}

func newDialect(driver string) (dialect, error) {
	switch driver {
	case "", "postgres":
		return postgresDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	case "sqlite3":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("неподдерживаемый драйвер источника: %s", driver)
	}
}

// dumpProgram возвращает программу и ее начальные аргументы с учетом source.dump_command
func dumpProgram(source config.SourceConfig, fallback string) (string, []string, error) {
	if source.DumpCommand == "" {
		return fallback, nil, nil
	}
	parts, err := shellquote.Split(source.DumpCommand)
	if err != nil {
		return "", nil, fmt.Errorf("ошибка разбора dump_command: %w", err)
	}
	if len(parts) == 0 {
		return fallback, nil, nil
	}
	return parts[0], parts[1:], nil
}

// schemaAndData раскрывает флаги выгрузки: оба выключенных флага означают полный дамп
func schemaAndData(opts types.DatabaseBackupOptions) (schema, data bool) {
	if !opts.IncludeSchema && !opts.IncludeData {
		return true, true
	}
	return opts.IncludeSchema, opts.IncludeData
}

func quoteString(s string, escapeBackslash bool) string {
	if escapeBackslash {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isBinaryType(dbType string) bool {
	t := strings.ToUpper(dbType)
	return strings.Contains(t, "BLOB") || strings.Contains(t, "BINARY") || t == "BYTEA"
}

// formatLiteral общая часть форматирования значений
func formatLiteral(v any, dbType string, boolLit func(bool) string, binLit func([]byte) string,
	timeLayout string, escapeBackslash bool) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case bool:
		return boolLit(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case time.Time:
		return "'" + val.Format(timeLayout) + "'"
	case []byte:
		if isBinaryType(dbType) {
			return binLit(val)
		}
		return quoteString(string(val), escapeBackslash)
	case string:
		return quoteString(val, escapeBackslash)
	default:
		return quoteString(fmt.Sprint(val), escapeBackslash)
	}
}

type postgresDialect struct{}

func (postgresDialect) driverName() string { return "pgx" }

func (postgresDialect) dumpCommand(source config.SourceConfig, opts types.DatabaseBackupOptions) (command, error) {
	program, args, err := dumpProgram(source, "pg_dump")
	if err != nil {
		return command{}, err
	}

	args = append(args, "--dbname="+source.DSN, "--no-owner")
	schema, data := schemaAndData(opts)
	switch {
	case schema && !data:
		args = append(args, "--schema-only")
	case data && !schema:
		args = append(args, "--data-only")
	}
	for _, t := range opts.Tables {
		args = append(args, "-t", t)
	}
	for _, t := range opts.ExcludeTables {
		args = append(args, "-T", t)
	}

	return command{program: program, args: args}, nil
}

func (postgresDialect) updatedAtTablesQuery() string {
	return `SELECT table_schema || '.' || table_name FROM information_schema.columns
		WHERE column_name = 'updated_at' AND table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY 1`
}

func (postgresDialect) allTablesQuery() string {
	return `SELECT table_schema || '.' || table_name FROM information_schema.tables
		WHERE table_type = 'BASE TABLE' AND table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY 1`
}

func (postgresDialect) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) quoteIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func (postgresDialect) sinceArg(t time.Time) any { return t.UTC() }

func (postgresDialect) literal(v any, dbType string) string {
	return formatLiteral(v, dbType,
		func(b bool) string {
			if b {
				return "TRUE"
			}
			return "FALSE"
		},
		func(b []byte) string { return `'\x` + hex.EncodeToString(b) + `'::bytea` },
		"2006-01-02 15:04:05.999999-07:00", false)
}

type mysqlDialect struct{}

func (mysqlDialect) driverName() string { return "mysql" }

func (mysqlDialect) dumpCommand(source config.SourceConfig, opts types.DatabaseBackupOptions) (command, error) {
	program, args, err := dumpProgram(source, "mysqldump")
	if err != nil {
		return command{}, err
	}

	dsn, err := mysql.ParseDSN(source.DSN)
	if err != nil {
		return command{}, fmt.Errorf("ошибка разбора DSN MySQL: %w", err)
	}

	args = append(args, "--single-transaction")
	if dsn.Net == "unix" {
		args = append(args, "--socket="+dsn.Addr)
	} else if dsn.Addr != "" {
		host, port, err := net.SplitHostPort(dsn.Addr)
		if err != nil {
			host = dsn.Addr
		}
		args = append(args, "--host="+host)
		if port != "" {
			args = append(args, "--port="+port)
		}
	}
	if dsn.User != "" {
		args = append(args, "--user="+dsn.User)
	}

	schema, data := schemaAndData(opts)
	switch {
	case schema && !data:
		args = append(args, "--no-data")
	case data && !schema:
		args = append(args, "--no-create-info")
	}
	for _, t := range opts.ExcludeTables {
		args = append(args, "--ignore-table="+dsn.DBName+"."+t)
	}
	args = append(args, dsn.DBName)
	args = append(args, opts.Tables...)

	var env []string
	if dsn.Passwd != "" {
		env = append(env, "MYSQL_PWD="+dsn.Passwd)
	}

	return command{program: program, args: args, env: env}, nil
}

func (mysqlDialect) updatedAtTablesQuery() string {
	return `SELECT table_name FROM information_schema.columns
		WHERE column_name = 'updated_at' AND table_schema = DATABASE()
		ORDER BY table_name`
}

func (mysqlDialect) allTablesQuery() string {
	return `SELECT table_name FROM information_schema.tables
		WHERE table_type = 'BASE TABLE' AND table_schema = DATABASE()
		ORDER BY table_name`
}

func (mysqlDialect) placeholder(int) string { return "?" }

func (mysqlDialect) quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
	}
	return strings.Join(parts, ".")
}

func (mysqlDialect) sinceArg(t time.Time) any { return t.UTC() }

func (mysqlDialect) literal(v any, dbType string) string {
	return formatLiteral(v, dbType,
		func(b bool) string {
			if b {
				return "1"
			}
			return "0"
		},
		func(b []byte) string { return "X'" + hex.EncodeToString(b) + "'" },
		"2006-01-02 15:04:05.999999", true)
}

type sqliteDialect struct{}

func (sqliteDialect) driverName() string { return "sqlite3" }

// sqlitePath выделяет путь к файлу из DSN go-sqlite3
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

func (sqliteDialect) dumpCommand(source config.SourceConfig, opts types.DatabaseBackupOptions) (command, error) {
	program, args, err := dumpProgram(source, "sqlite3")
	if err != nil {
		return command{}, err
	}

	args = append(args, sqlitePath(source.DSN))
	schema, data := schemaAndData(opts)
	tables := strings.Join(opts.Tables, " ")
	switch {
	case schema && !data:
		if len(opts.Tables) == 0 {
			args = append(args, ".schema")
		}
		for _, t := range opts.Tables {
			args = append(args, ".schema "+t)
		}
	case data && !schema:
		args = append(args, strings.TrimSpace(".dump --data-only "+tables))
	default:
		args = append(args, strings.TrimSpace(".dump "+tables))
	}

	return command{program: program, args: args}, nil
}

func (sqliteDialect) updatedAtTablesQuery() string {
	return `SELECT m.name FROM sqlite_master m JOIN pragma_table_info(m.name) p
		WHERE m.type = 'table' AND p.name = 'updated_at'
		ORDER BY m.name`
}

func (sqliteDialect) allTablesQuery() string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
}

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

// sqliteTimeLayout формат, в котором драйвер sqlite3 сам записывает time.Time.
// Сохраняет доли секунды и смещение пояса.
const sqliteTimeLayout = "2006-01-02 15:04:05.999999999-07:00"

// sinceArg для SQLite совпадает с форматом CURRENT_TIMESTAMP
func (sqliteDialect) sinceArg(t time.Time) any {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func (sqliteDialect) literal(v any, dbType string) string {
	return formatLiteral(v, dbType,
		func(b bool) string {
			if b {
				return "1"
			}
			return "0"
		},
		func(b []byte) string { return "X'" + hex.EncodeToString(b) + "'" },
		sqliteTimeLayout, false)
}
