package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Migrate brings the live database into the shape given by the pristine
// schema, preserving data. Missing tables are created, changed tables are
// rebuilt through a copy-and-rename, and indices are reconciled by name and
// DDL. Dropping tables or columns requires allowDeletions. Returns whether
// anything changed.
func Migrate(db *sql.DB, schema string, allowDeletions bool, logger *zap.Logger) (bool, error) {
	pristine, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return false, err
	}
	defer pristine.Close()
	pristine.SetMaxOpenConns(1)
	if _, err := pristine.Exec(schema); err != nil {
		return false, fmt.Errorf("load pristine schema: %w", err)
	}

	m := &migrator{db: db, pristine: pristine, allowDeletions: allowDeletions, logger: logger}
	return m.run()
}

type migrator struct {
	db             *sql.DB
	pristine       *sql.DB
	allowDeletions bool
	logger         *zap.Logger
	nChanges       int
}

func (m *migrator) run() (bool, error) {
	origFK, err := queryPragmaInt(m.db, "foreign_keys")
	if err != nil {
		return false, err
	}
	if origFK != 0 {
		// FK enforcement must be off while tables are rebuilt; the
		// pragma is a no-op inside a transaction.
		if _, err := m.db.Exec("PRAGMA foreign_keys = OFF"); err != nil {
			return false, err
		}
		defer m.db.Exec("PRAGMA foreign_keys = ON")
	}

	tx, err := m.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := m.migrateTables(tx); err != nil {
		return false, err
	}
	if err := m.migrateIndices(tx); err != nil {
		return false, err
	}
	if err := m.migratePragma(tx, "user_version"); err != nil {
		return false, err
	}

	pristineFK, err := queryPragmaInt(m.pristine, "foreign_keys")
	if err != nil {
		return false, err
	}
	if pristineFK != 0 {
		rows, err := tx.Query("PRAGMA foreign_key_check")
		if err != nil {
			return false, err
		}
		violated := rows.Next()
		rows.Close()
		if violated {
			return false, fmt.Errorf("migration would fail foreign_key_check")
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	if m.nChanges > 0 {
		if _, err := m.db.Exec("VACUUM"); err != nil {
			return false, err
		}
	}
	return m.nChanges > 0, nil
}

func (m *migrator) exec(tx *sql.Tx, msg, query string, args ...any) error {
	// Changes made here are logged for forensics later.
	m.logger.Info("database migration", zap.String("action", msg), zap.String("sql", query))
	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	m.nChanges++
	return nil
}

func (m *migrator) migrateTables(tx *sql.Tx) error {
	pristineTables, err := masterObjects(m.pristine, "table")
	if err != nil {
		return err
	}
	liveTables, err := masterObjectsTx(tx, "table")
	if err != nil {
		return err
	}

	if _, err := tx.Exec("PRAGMA defer_foreign_keys = TRUE"); err != nil {
		return err
	}

	for name, ddl := range pristineTables {
		if _, ok := liveTables[name]; !ok {
			if err := m.exec(tx, "create table "+name, ddl); err != nil {
				return err
			}
		}
	}

	for name := range liveTables {
		if _, ok := pristineTables[name]; ok {
			continue
		}
		if !m.allowDeletions {
			return fmt.Errorf("refusing to delete table %q", name)
		}
		if err := m.exec(tx, "drop table "+name, "DROP TABLE "+name); err != nil {
			return err
		}
	}

	for name, pristineDDL := range pristineTables {
		liveDDL, ok := liveTables[name]
		if !ok || normalizeSQL(liveDDL) == normalizeSQL(pristineDDL) {
			continue
		}
		if err := m.rebuildTable(tx, name, pristineDDL); err != nil {
			return err
		}
	}
	return nil
}

// rebuildTable creates <name>_migration_new from the pristine DDL, copies
// the intersection of columns, drops the old table and renames the new one
// over it.
func (m *migrator) rebuildTable(tx *sql.Tx, name, pristineDDL string) error {
	tmpName := name + "_migration_new"
	tmpDDL := regexp.MustCompile(`\b`+regexp.QuoteMeta(name)+`\b`).ReplaceAllString(pristineDDL, tmpName)

	if err := m.exec(tx, "rebuild table "+name, tmpDDL); err != nil {
		return err
	}

	liveCols, err := tableColumnsTx(tx, name)
	if err != nil {
		return err
	}
	pristineCols, err := tableColumns(m.pristine, name)
	if err != nil {
		return err
	}

	var common, removed []string
	pristineSet := make(map[string]bool, len(pristineCols))
	for _, c := range pristineCols {
		pristineSet[c] = true
	}
	for _, c := range liveCols {
		if pristineSet[c] {
			common = append(common, c)
		} else {
			removed = append(removed, c)
		}
	}
	if len(removed) > 0 && !m.allowDeletions {
		return fmt.Errorf("refusing to remove columns %v from table %q", removed, name)
	}

	cols := strings.Join(common, ", ")
	if err := m.exec(tx, "copy rows into "+tmpName,
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", tmpName, cols, cols, name)); err != nil {
		return err
	}
	if err := m.exec(tx, "drop old table "+name, "DROP TABLE "+name); err != nil {
		return err
	}
	return m.exec(tx, "rename "+tmpName,
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", tmpName, name))
}

func (m *migrator) migrateIndices(tx *sql.Tx) error {
	pristineIndices, err := masterObjects(m.pristine, "index")
	if err != nil {
		return err
	}
	liveIndices, err := masterObjectsTx(tx, "index")
	if err != nil {
		return err
	}

	for name := range liveIndices {
		if _, ok := pristineIndices[name]; !ok {
			if err := m.exec(tx, "drop obsolete index "+name, "DROP INDEX "+name); err != nil {
				return err
			}
		}
	}
	for name, ddl := range pristineIndices {
		liveDDL, ok := liveIndices[name]
		if !ok {
			if err := m.exec(tx, "create index "+name, ddl); err != nil {
				return err
			}
			continue
		}
		if liveDDL != ddl {
			if err := m.exec(tx, "drop changed index "+name, "DROP INDEX "+name); err != nil {
				return err
			}
			if err := m.exec(tx, "recreate index "+name, ddl); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *migrator) migratePragma(tx *sql.Tx, pragma string) error {
	pristineVal, err := queryPragmaInt(m.pristine, pragma)
	if err != nil {
		return err
	}
	var liveVal int
	if err := tx.QueryRow("PRAGMA " + pragma).Scan(&liveVal); err != nil {
		return err
	}
	if liveVal != pristineVal {
		return m.exec(tx, fmt.Sprintf("set %s to %d", pragma, pristineVal),
			fmt.Sprintf("PRAGMA %s = %d", pragma, pristineVal))
	}
	return nil
}

const masterQuery = `SELECT name, sql FROM sqlite_master WHERE type = ? AND name != 'sqlite_sequence' AND sql IS NOT NULL`

func masterObjects(db *sql.DB, kind string) (map[string]string, error) {
	rows, err := db.Query(masterQuery, kind)
	if err != nil {
		return nil, err
	}
	return scanMaster(rows)
}

func masterObjectsTx(tx *sql.Tx, kind string) (map[string]string, error) {
	rows, err := tx.Query(masterQuery, kind)
	if err != nil {
		return nil, err
	}
	return scanMaster(rows)
}

func scanMaster(rows *sql.Rows) (map[string]string, error) {
	defer rows.Close()
	objects := make(map[string]string)
	for rows.Next() {
		var name, ddl string
		if err := rows.Scan(&name, &ddl); err != nil {
			return nil, err
		}
		objects[name] = ddl
	}
	return objects, rows.Err()
}

func tableColumns(db *sql.DB, table string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	return scanColumns(rows)
}

func tableColumnsTx(tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	return scanColumns(rows)
}

func scanColumns(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func queryPragmaInt(db *sql.DB, pragma string) (int, error) {
	var val int
	if err := db.QueryRow("PRAGMA " + pragma).Scan(&val); err != nil {
		return 0, err
	}
	return val, nil
}

var (
	sqlCommentRe    = regexp.MustCompile(`--[^\n]*\n`)
	sqlWhitespaceRe = regexp.MustCompile(`\s+`)
	sqlSeparatorRe  = regexp.MustCompile(` *([(),]) *`)
	sqlQuoteRe      = regexp.MustCompile(`"(\w+)"`)
)

// normalizeSQL strips comments, collapses whitespace, tightens separators
// and removes optional identifier quotes so that insignificant formatting
// differences do not force a table rebuild.
func normalizeSQL(query string) string {
	query = sqlCommentRe.ReplaceAllString(query, "")
	query = sqlWhitespaceRe.ReplaceAllString(query, " ")
	query = sqlSeparatorRe.ReplaceAllString(query, "$1")
	query = sqlQuoteRe.ReplaceAllString(query, "$1")
	return strings.TrimSpace(query)
}
