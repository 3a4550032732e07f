package sqlexec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect names a supported database engine.
type Dialect string

const (
	Postgres   Dialect = "postgres"
	MySQL      Dialect = "mysql"
	ClickHouse Dialect = "clickhouse"
	DuckDB     Dialect = "duckdb"
	SQLite     Dialect = "sqlite"
	SQLServer  Dialect = "sqlserver"
)

// ParseDialect maps a user-facing database type onto a dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "clickhouse", "ch":
		return ClickHouse, nil
	case "duckdb", "duck":
		return DuckDB, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "sqlserver", "mssql":
		return SQLServer, nil
	default:
		return "", fmt.Errorf("unsupported database type %q", s)
	}
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case Postgres:
		return "pgx"
	case SQLServer:
		return "sqlserver"
	default:
		return string(d)
	}
}

// QuoteIdent quotes a table or column name for the dialect.
func (d Dialect) QuoteIdent(name string) string {
	switch d {
	case MySQL, ClickHouse:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	case SQLServer:
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
	default:
		return pq.QuoteIdentifier(name)
	}
}

var (
	trailingLimit = regexp.MustCompile(`(?is)\blimit\s+\d+(\s*(,|offset)\s*\d+)?\s*$`)
	selectHead    = regexp.MustCompile(`(?is)^\s*select(\s+distinct)?\s`)
	hasTop        = regexp.MustCompile(`(?is)^\s*select(\s+distinct)?\s+top\b`)
	fetchFirst    = regexp.MustCompile(`(?is)\bfetch\s+(first|next)\s+\d+\s+rows?\s+only\s*$`)
)

// ApplyLimit bounds the rows a query can return. It appends LIMIT n when the query does not
// end with its own limit; SQL Server gets TOP (n) after SELECT instead. It reports whether
// the query was changed.
func (d Dialect) ApplyLimit(query string, n int) (string, bool) {
	query = strings.TrimSpace(query)
	for strings.HasSuffix(query, ";") {
		query = strings.TrimSpace(strings.TrimSuffix(query, ";"))
	}
	if n <= 0 {
		return query, false
	}
	if d == SQLServer {
		if hasTop.MatchString(query) || fetchFirst.MatchString(query) {
			return query, false
		}
		loc := selectHead.FindStringIndex(query)
		if loc == nil {
			return query, false
		}
		return query[:loc[1]] + "TOP (" + strconv.Itoa(n) + ") " + query[loc[1]:], true
	}
	if trailingLimit.MatchString(query) || fetchFirst.MatchString(query) {
		return query, false
	}
	return query + "\nLIMIT " + strconv.Itoa(n), true
}

// SampleQuery selects up to n rows of a table.
func (d Dialect) SampleQuery(table string, n int) string {
	q, _ := d.ApplyLimit("SELECT * FROM "+d.QuoteIdent(table), n)
	return q
}
