package store

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

// Dialect holds the SQL that differs between databases.
type Dialect struct {
	Driver string
	Schema []string
	// NowMillis is an expression of the database server clock in unix millis.
	NowMillis string
	IsDupKey  func(err error) bool
}

var MySQL = &Dialect{
	Driver: "mysql",
	Schema: []string{
		"CREATE TABLE IF NOT EXISTS chat_messages (" +
			"id CHAR(32) NOT NULL," +
			"room_id VARCHAR(128) NOT NULL," +
			"author_id VARCHAR(128) NOT NULL," +
			"author_name VARCHAR(256) NOT NULL," +
			"author_photo VARCHAR(1024) NOT NULL DEFAULT ''," +
			"kind VARCHAR(8) NOT NULL," +
			"body TEXT NOT NULL," +
			"att_url VARCHAR(2048) NOT NULL DEFAULT ''," +
			"att_filename VARCHAR(512) NOT NULL DEFAULT ''," +
			"att_mime VARCHAR(128) NOT NULL DEFAULT ''," +
			"created_at BIGINT NOT NULL," +
			"PRIMARY KEY (id)," +
			"KEY idx_room_created (room_id, created_at, id)" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci",
	},
	NowMillis: "CAST(UNIX_TIMESTAMP(NOW(3)) * 1000 AS UNSIGNED)",
	IsDupKey: func(err error) bool {
		var val *mysql.MySQLError
		if errors.As(err, &val) {
			return val.Number == 1062
		}
		return false
	},
}

var SQLite = &Dialect{
	Driver: "sqlite3",
	Schema: []string{
		"CREATE TABLE IF NOT EXISTS chat_messages (" +
			"id TEXT NOT NULL PRIMARY KEY," +
			"room_id TEXT NOT NULL," +
			"author_id TEXT NOT NULL," +
			"author_name TEXT NOT NULL," +
			"author_photo TEXT NOT NULL DEFAULT ''," +
			"kind TEXT NOT NULL," +
			"body TEXT NOT NULL," +
			"att_url TEXT NOT NULL DEFAULT ''," +
			"att_filename TEXT NOT NULL DEFAULT ''," +
			"att_mime TEXT NOT NULL DEFAULT ''," +
			"created_at INTEGER NOT NULL)",
		"CREATE INDEX IF NOT EXISTS idx_room_created ON chat_messages (room_id, created_at, id)",
	},
	// 'now' is stable within one statement.
	NowMillis: "(CAST(strftime('%s','now') AS INTEGER) * 1000 + CAST(substr(strftime('%f','now'), 4) AS INTEGER))",
	IsDupKey: func(err error) bool {
		var val sqlite3.Error
		if errors.As(err, &val) {
			return val.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || val.ExtendedCode == sqlite3.ErrConstraintUnique
		}
		return false
	},
}

func DialectOf(driver string) (*Dialect, error) {
	switch driver {
	case MySQL.Driver:
		return MySQL, nil
	case SQLite.Driver:
		return SQLite, nil
	}
	return nil, fmt.Errorf("unsupported database driver `%s`", driver)
}
