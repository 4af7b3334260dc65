package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id     SERIAL PRIMARY KEY,
	email  TEXT UNIQUE NOT NULL,
	salt   BYTEA NOT NULL,
	digest TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS user_data (
	user_id      INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	files_struct BYTEA NOT NULL
);`

// uniqueViolation is the Postgres error code for a duplicate key.
const uniqueViolation = "23505"

// Postgres is the production Store.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to url, verifies the connection, and ensures the
// schema exists.
func OpenPostgres(url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) AddUser(ctx context.Context, email string, salt []byte, digest string) (int, error) {
	var id int
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO users (email, salt, digest) VALUES ($1, $2, $3) RETURNING id`,
		email, salt, digest,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, fmt.Errorf("add user %q: %w", email, ErrExists)
		}
		return 0, fmt.Errorf("add user %q: %w", email, err)
	}
	return id, nil
}

func (p *Postgres) UserByEmail(ctx context.Context, email string) (*User, error) {
	u := &User{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, email, salt, digest FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Email, &u.Salt, &u.Digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user %q: %w", email, err)
	}
	return u, nil
}

func (p *Postgres) SetFilesStruct(ctx context.Context, userID int, blob []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO user_data (user_id, files_struct) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET files_struct = EXCLUDED.files_struct`,
		userID, blob,
	)
	if err != nil {
		return fmt.Errorf("set files struct for %d: %w", userID, err)
	}
	return nil
}

func (p *Postgres) FilesStruct(ctx context.Context, userID int) ([]byte, error) {
	var blob []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT files_struct FROM user_data WHERE user_id = $1`,
		userID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query files struct for %d: %w", userID, err)
	}
	return blob, nil
}

func (p *Postgres) AllUsers(ctx context.Context) ([]User, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, email, salt, digest FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Salt, &u.Digest); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
