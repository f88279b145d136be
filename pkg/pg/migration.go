package pg

import (
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func Migrate(cfg Config, dir string) error {
	return runGoose(cfg, dir, goose.Up)
}

func Rollback(cfg Config, dir string) error {
	return runGoose(cfg, dir, goose.Down)
}

func Status(cfg Config, dir string) error {
	return runGoose(cfg, dir, goose.Status)
}

func runGoose(cfg Config, dir string, cmd func(db *sql.DB, dir string, opts ...goose.OptionsFunc) error) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return cmd(db, dir)
}
