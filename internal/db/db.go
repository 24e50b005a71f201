package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// schema is applied in order; every statement must be idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS staff (
            emp_id VARCHAR(32) PRIMARY KEY,
            username VARCHAR(100) NOT NULL,
            role VARCHAR(32) NOT NULL DEFAULT 'staff',
            password_hash VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS patients (
            id VARCHAR(64) PRIMARY KEY,
            name VARCHAR(200) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS cases (
            id VARCHAR(64) PRIMARY KEY,
            patient_id VARCHAR(64) REFERENCES patients(id) ON DELETE CASCADE,
            title VARCHAR(200),
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            channel_id VARCHAR(64) NOT NULL,
            type VARCHAR(16) CHECK (type IN ('text', 'attachment', 'system')) NOT NULL,
            sender_id VARCHAR(64) NOT NULL,
            sender_name VARCHAR(100) NOT NULL,
            content TEXT NOT NULL DEFAULT '',
            attachments JSONB NOT NULL DEFAULT '[]',
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE INDEX IF NOT EXISTS messages_channel_created_idx ON messages (channel_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS status_updates (
            id UUID PRIMARY KEY,
            patient_id VARCHAR(64) NOT NULL,
            status VARCHAR(100) NOT NULL,
            created_by VARCHAR(64) NOT NULL,
            location VARCHAR(200),
            details TEXT,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE INDEX IF NOT EXISTS status_updates_patient_created_idx ON status_updates (patient_id, created_at DESC)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
