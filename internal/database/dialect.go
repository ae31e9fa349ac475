package database

import (
	"fmt"
	"regexp"
	"strings"
)

// Dialect identifies the SQL flavour behind a connection.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pq", "pgsql":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite3"
	default:
		return "postgres"
	}
}

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// ConvertPlaceholders rewrites PostgreSQL placeholders ($1, $2) to ? for MySQL and SQLite.
// Queries are written in PostgreSQL form throughout the code base.
func (d Dialect) ConvertPlaceholders(query string) string {
	if d == Postgres || d == "" {
		return query
	}
	result := placeholderPattern.ReplaceAllString(query, "?")
	result = strings.ReplaceAll(result, " ILIKE ", " LIKE ")
	return strings.ReplaceAll(result, " ilike ", " LIKE ")
}

// QuoteIdentifier quotes reserved column names such as "references".
func (d Dialect) QuoteIdentifier(name string) string {
	if d == MySQL {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}
