package database

import (
	"time"

	"github.com/jmoiron/sqlx"
)

type PgChatRepository struct {
	conn *sqlx.DB
}

func NewPgChatRepository(dsn string) (*PgChatRepository, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgChatRepository{conn: db}, nil
}

// NewPgChatRepositoryFromDB wraps an already opened connection pool.
func NewPgChatRepositoryFromDB(db *sqlx.DB) *PgChatRepository {
	return &PgChatRepository{conn: db}
}

func (db *PgChatRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
