package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/binhbb2204/chatsync/pkg/logger"
	_ "modernc.org/sqlite"
)

var DB *sql.DB

// InitDatabase opens the database at dbPath into DB and creates the schema.
func InitDatabase(dbPath string) error {
	db, err := Open(dbPath)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open opens and migrates a database. ":memory:" gives a private
// in-memory database held on a single connection.
func Open(dbPath string) (*sql.DB, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log := logger.WithContext("component", "database")
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		log.Warn("foreign_keys_not_enabled", "error", err.Error())
	}
	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	log.Info("database_ready", "path", dbPath)
	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        username TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        room_id INTEGER NOT NULL,
        user_id INTEGER NOT NULL,
        sender TEXT NOT NULL,
        text TEXT,
        attachment_kind TEXT,
        attachment_path TEXT,
        client_token TEXT,
        created_at TIMESTAMP NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
    );

    CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id);

    CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_token
        ON messages(room_id, user_id, client_token) WHERE client_token <> '';
    `
	_, err := db.Exec(schema)
	return err
}

func Close() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}
