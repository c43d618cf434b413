package server

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Persistence keeps the latest save of each store as base64 text in sqlite.
type Persistence struct {
	db *sql.DB
}

func OpenPersistence(path string) (*Persistence, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// sqlite has a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS stores (
    	id text not null primary key,
        content text not null
		)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Persistence{db: db}, nil
}

func (p *Persistence) Close() error {
	return p.db.Close()
}

// Load returns the saved document for id, if any.
func (p *Persistence) Load(ctx context.Context, id string) ([]byte, bool, error) {
	var rawSave string
	if err := p.db.QueryRowContext(ctx, `SELECT content FROM stores WHERE id = ?`, id).Scan(&rawSave); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to query: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawSave)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode: %w", err)
	}
	return raw, true, nil
}

// Save stores the document for id and reports whether the stored content changed.
func (p *Persistence) Save(ctx context.Context, id string, raw []byte) (bool, error) {
	content := base64.StdEncoding.EncodeToString(raw)
	res, err := p.db.ExecContext(
		ctx,
		`INSERT INTO stores (id, content) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content WHERE stores.content != excluded.content`,
		id, content,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count rows affected: %w", err)
	}
	return n > 0, nil
}
