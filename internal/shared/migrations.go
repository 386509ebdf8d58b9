package shared

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/sqlite/*.sql sql/postgres/*.sql
var migrationFiles embed.FS

// Dialect selects the migration set and the placeholder style of a database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// bind rewrites ? placeholders to the dialect's style.
func (d Dialect) bind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migration represents a database migration with up and down SQL.
type Migration struct {
	Version int
	Up      string
	Down    string
}

// MigrationTx is the transaction surface the migrator needs.
type MigrationTx interface {
	Exec(ctx context.Context, query string, args ...any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// MigrationDB is the connection surface the migrator needs. [SQLMigrationDB] adapts
// database/sql; the Postgres store adapts its pgx pool.
type MigrationDB interface {
	Exec(ctx context.Context, query string, args ...any) error
	QueryInt(ctx context.Context, query string, args ...any) (int, error)
	Begin(ctx context.Context) (MigrationTx, error)
}

// Migrator applies the embedded migrations of one dialect and tracks them in schema_migrations.
type Migrator struct {
	dialect Dialect
	db      MigrationDB
}

// NewMigrator creates a migrator for db.
func NewMigrator(dialect Dialect, db MigrationDB) *Migrator {
	return &Migrator{dialect: dialect, db: db}
}

// loadMigrations reads the migration files of a dialect sorted by version.
//
// Files are named NNNN_description_up.sql and NNNN_description_down.sql.
func loadMigrations(dialect Dialect) ([]Migration, error) {
	dir := path.Join("sql", string(dialect))
	entries, err := migrationFiles.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations for dialect %q: %w", dialect, err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		content, err := migrationFiles.ReadFile(path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		switch {
		case strings.HasSuffix(name, "_up.sql"):
			m.Up = string(content)
		case strings.HasSuffix(name, "_down.sql"):
			m.Down = string(content)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("incomplete %s migration for version %d", dialect, m.Version)
		}
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b Migration) int { return a.Version - b.Version })
	return migrations, nil
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := loadMigrations(m.dialect)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	if err := m.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, migration := range migrations {
		n, err := m.db.QueryInt(ctx, m.dialect.bind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), migration.Version)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if n > 0 {
			continue
		}
		if err := m.apply(ctx, migration.Up, "INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	migrations, err := loadMigrations(m.dialect)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	count, err := m.db.QueryInt(ctx, "SELECT COUNT(*) FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to check migrations: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	current, err := m.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	i := slices.IndexFunc(migrations, func(mg Migration) bool { return mg.Version == current })
	if i < 0 {
		return fmt.Errorf("migration version %d not found", current)
	}
	if err := m.apply(ctx, migrations[i].Down, "DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return fmt.Errorf("failed to rollback migration %d: %w", current, err)
	}
	return nil
}

// Version returns the highest applied migration version.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	return m.db.QueryInt(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
}

// apply runs script statement by statement followed by the bookkeeping query in one transaction.
func (m *Migrator) apply(ctx context.Context, script, record string, version int) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, stmt := range splitStatements(script) {
		if err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute statement: %w\nStatement: %s", err, stmt)
		}
	}
	if err := tx.Exec(ctx, m.dialect.bind(record), version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// splitStatements splits a script on semicolons and drops comments and empty statements.
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = removeComments(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// removeComments strips -- comments and blank lines from a statement.
func removeComments(stmt string) string {
	var lines []string
	for _, line := range strings.Split(stmt, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// SQLMigrationDB adapts a database/sql handle to [MigrationDB].
type SQLMigrationDB struct {
	DB *sql.DB
}

func (d SQLMigrationDB) Exec(ctx context.Context, query string, args ...any) error {
	_, err := d.DB.ExecContext(ctx, query, args...)
	return err
}

func (d SQLMigrationDB) QueryInt(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (d SQLMigrationDB) Begin(ctx context.Context) (MigrationTx, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return sqlMigrationTx{tx}, nil
}

type sqlMigrationTx struct {
	tx *sql.Tx
}

func (t sqlMigrationTx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

func (t sqlMigrationTx) Commit(context.Context) error { return t.tx.Commit() }
func (t sqlMigrationTx) Rollback(context.Context) error { return t.tx.Rollback() }

// RunMigrations applies the pending SQLite migrations on db.
func RunMigrations(db *sql.DB) error {
	return NewMigrator(DialectSQLite, SQLMigrationDB{DB: db}).Up(context.Background())
}

// RollbackMigration rolls back the most recent SQLite migration on db.
func RollbackMigration(db *sql.DB) error {
	return NewMigrator(DialectSQLite, SQLMigrationDB{DB: db}).Down(context.Background())
}
