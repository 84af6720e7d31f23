package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the SQL-text differences between database engines. The
// engine writes every query with '?' markers and rebinds them through the
// dialect; only statements whose shape differs per engine (bounded deletes,
// schema DDL) are produced by the dialect wholesale.
type Dialect interface {
	// Name identifies the dialect ("postgres", "mysql").
	Name() string

	// Rebind converts '?' markers to the engine's placeholder style.
	Rebind(query string) string

	// DeleteExpiredSQL returns the bounded delete for a physical table,
	// with '?' markers for (cutoff, batch).
	DeleteExpiredSQL(table string) string

	// LockSuffix returns the row-claim suffix appended to retry scans
	// ("FOR UPDATE SKIP LOCKED"), or "" when unsupported.
	LockSuffix() string

	// Schema returns the DDL statements creating both tables and their
	// indexes for the given table prefix.
	Schema(prefix string) []string
}

// Postgres is the PostgreSQL dialect.
type Postgres struct{}

// Name returns "postgres".
func (Postgres) Name() string { return "postgres" }

// Rebind converts '?' markers to $1..$n placeholders.
func (Postgres) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// DeleteExpiredSQL bounds the delete with a same-table subquery; PostgreSQL
// has no DELETE ... LIMIT.
func (d Postgres) DeleteExpiredSQL(table string) string {
	return d.Rebind(fmt.Sprintf(
		`DELETE FROM %s WHERE id = ANY(ARRAY(SELECT id FROM %s WHERE expires_at < ? LIMIT ?))`,
		table, table))
}

// LockSuffix returns the SKIP LOCKED claim suffix.
func (Postgres) LockSuffix() string { return "FOR UPDATE SKIP LOCKED" }

// Schema returns PostgreSQL DDL for both tables.
func (Postgres) Schema(prefix string) []string {
	published := prefix + "published"
	received := prefix + "received"
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT PRIMARY KEY,
	version VARCHAR(20) NOT NULL,
	name VARCHAR(200) NOT NULL,
	content TEXT,
	retries INT NOT NULL DEFAULT 0,
	added TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NULL,
	status_name VARCHAR(40) NOT NULL
)`, published),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_retry ON %s (added, status_name, retries)`, published, published),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_expires ON %s (expires_at)`, published, published),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT PRIMARY KEY,
	version VARCHAR(20) NOT NULL,
	name VARCHAR(200) NOT NULL,
	group_name VARCHAR(200) NOT NULL,
	content TEXT,
	retries INT NOT NULL DEFAULT 0,
	added TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NULL,
	status_name VARCHAR(40) NOT NULL
)`, received),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_retry ON %s (added, status_name, retries)`, received, received),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_expires ON %s (expires_at)`, received, received),
	}
}

// MySQL is the MySQL (8.0+) dialect.
type MySQL struct{}

// Name returns "mysql".
func (MySQL) Name() string { return "mysql" }

// Rebind is the identity: MySQL uses '?' natively.
func (MySQL) Rebind(query string) string { return query }

// DeleteExpiredSQL uses MySQL's native DELETE ... LIMIT.
func (MySQL) DeleteExpiredSQL(table string) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE expires_at < ? LIMIT ?`, table)
}

// LockSuffix returns the SKIP LOCKED claim suffix (MySQL 8.0+).
func (MySQL) LockSuffix() string { return "FOR UPDATE SKIP LOCKED" }

// Schema returns MySQL DDL for both tables. Indexes are declared inline;
// MySQL has no CREATE INDEX IF NOT EXISTS.
func (MySQL) Schema(prefix string) []string {
	published := prefix + "published"
	received := prefix + "received"
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT PRIMARY KEY,
	version VARCHAR(20) NOT NULL,
	name VARCHAR(200) NOT NULL,
	content LONGTEXT,
	retries INT NOT NULL DEFAULT 0,
	added TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NULL,
	status_name VARCHAR(40) NOT NULL,
	INDEX ix_retry (added, status_name, retries),
	INDEX ix_expires (expires_at)
)`, published),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT PRIMARY KEY,
	version VARCHAR(20) NOT NULL,
	name VARCHAR(200) NOT NULL,
	group_name VARCHAR(200) NOT NULL,
	content LONGTEXT,
	retries INT NOT NULL DEFAULT 0,
	added TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NULL,
	status_name VARCHAR(40) NOT NULL,
	INDEX ix_retry (added, status_name, retries),
	INDEX ix_expires (expires_at)
)`, received),
	}
}

var (
	_ Dialect = Postgres{}
	_ Dialect = MySQL{}
)
