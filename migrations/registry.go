// Package migrations resolves the embedded kv_records and user_credentials
// schema for the SQL dialect a store driver speaks.
package migrations

import (
	"fmt"
	"io/fs"
	"strings"

	kintai "github.com/k2tzumi/hue-kintai-slask-command"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	rootDir = "data/sql/migrations"
)

// DialectForDriver maps a database/sql driver or store driver name onto the
// migration dialect it needs.
func DialectForDriver(driver string) (string, error) {
	switch strings.TrimSpace(strings.ToLower(driver)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("migrations: unsupported driver %q", driver)
	}
}

// ForDriver returns the migration tree for driver, ready to hand to a
// persistence client.
func ForDriver(driver string) (fs.FS, error) {
	dialect, err := DialectForDriver(driver)
	if err != nil {
		return nil, err
	}
	return Schema(dialect)
}

// Schema returns the embedded migration tree of dialect. Postgres files sit
// at the root, sqlite ones in a sqlite/ subdirectory.
func Schema(dialect string) (fs.FS, error) {
	return schemaFrom(kintai.GetMigrationsFS(), dialect)
}

func schemaFrom(root fs.FS, dialect string) (fs.FS, error) {
	dir := rootDir
	switch dialect {
	case DialectPostgres:
	case DialectSQLite:
		dir += "/sqlite"
	default:
		return nil, fmt.Errorf("migrations: unknown dialect %q", dialect)
	}
	tree, err := fs.Sub(root, dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", dir, err)
	}
	ups, err := fs.Glob(tree, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", dir, err)
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("migrations: %s has no *.up.sql files", dir)
	}
	return tree, nil
}
