package sink

import (
	"database/sql"
	"fmt"
	"strings"

	"metrika-logs/metrika"
)

// SQLSink charge les lignes décodées dans une table relationnelle,
// tout en colonnes texte. Les drivers (sqlite3, mysql, postgres)
// sont enregistrés par le binaire appelant.
type SQLSink struct {
	db      *sql.DB
	insert  *sql.Stmt
	headers []string
}

// NewSQLSink ouvre la base, crée la table si besoin (une colonne
// TEXT par champ canonique) et prépare l'insertion.
func NewSQLSink(driver, dsn, table string, headers []string) (*SQLSink, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	q := quoteIdent(driver)
	cols := make([]string, len(headers))
	defs := make([]string, len(headers))
	marks := make([]string, len(headers))
	for i, h := range headers {
		cols[i] = q + h + q
		defs[i] = cols[i] + " TEXT"
		marks[i] = placeholder(driver, i+1)
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s%s%s (%s)", q, table, q, strings.Join(defs, ", "))
	if _, err := db.Exec(create); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	insert := fmt.Sprintf("INSERT INTO %s%s%s (%s) VALUES (%s)",
		q, table, q, strings.Join(cols, ", "), strings.Join(marks, ", "))
	stmt, err := db.Prepare(insert)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert into %s: %w", table, err)
	}
	return &SQLSink{db: db, insert: stmt, headers: headers}, nil
}

func (s *SQLSink) Write(row metrika.Row) error {
	rec := formatRow(s.headers, row)
	args := make([]any, len(rec))
	for i, v := range rec {
		args[i] = v
	}
	_, err := s.insert.Exec(args...)
	return err
}

func (s *SQLSink) Close() error {
	s.insert.Close()
	return s.db.Close()
}

func quoteIdent(driver string) string {
	if driver == "mysql" {
		return "`"
	}
	return `"`
}

func placeholder(driver string, n int) string {
	if driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
