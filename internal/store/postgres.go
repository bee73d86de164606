// Package store provides storage backends for chatpipe.
//
// This file implements a PostgreSQL-backed store for users and dialogs.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/chatpipe/chatpipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) UserExists(userID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM users WHERE id = $1`, userID).Scan(&n)
	if err != nil {
		slog.Error("PostgresStore UserExists failed", "error", err, "userID", userID)
		return false, fmt.Errorf("failed to check user %d: %w", userID, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) CreateUser(u models.User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, chat_id, username, first_name, last_name, current_dialog_id, current_mode, last_interaction, n_generated_images, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.ChatID, nilIfEmpty(u.Username), nilIfEmpty(u.FirstName), nilIfEmpty(u.LastName),
		nilIfEmpty(u.CurrentDialogID), u.CurrentMode, u.LastInteraction, u.NGeneratedImages, u.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateUser failed", "error", err, "userID", u.ID)
		return fmt.Errorf("failed to insert user %d: %w", u.ID, err)
	}
	slog.Debug("PostgresStore CreateUser succeeded", "userID", u.ID, "mode", u.CurrentMode)
	return nil
}

func (s *PostgresStore) GetUser(userID int64) (models.User, error) {
	var u models.User
	var username, firstName, lastName, dialogID sql.NullString
	err := s.db.QueryRow(`
		SELECT id, chat_id, username, first_name, last_name, current_dialog_id, current_mode, last_interaction, n_generated_images, created_at
		FROM users WHERE id = $1`, userID).Scan(
		&u.ID, &u.ChatID, &username, &firstName, &lastName, &dialogID,
		&u.CurrentMode, &u.LastInteraction, &u.NGeneratedImages, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return models.User{}, models.ErrNoUser
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "userID", userID)
		return models.User{}, fmt.Errorf("failed to query user %d: %w", userID, err)
	}
	u.Username = username.String
	u.FirstName = firstName.String
	u.LastName = lastName.String
	u.CurrentDialogID = dialogID.String
	return u, nil
}

func (s *PostgresStore) SetChatMode(userID int64, mode string) error {
	return s.updateUser(userID, `UPDATE users SET current_mode = $1 WHERE id = $2`, mode, userID)
}

func (s *PostgresStore) SetLastInteraction(userID int64, t time.Time) error {
	return s.updateUser(userID, `UPDATE users SET last_interaction = $1 WHERE id = $2`, t, userID)
}

func (s *PostgresStore) IncrementGeneratedImages(userID int64, n int) error {
	return s.updateUser(userID, `UPDATE users SET n_generated_images = n_generated_images + $1 WHERE id = $2`, n, userID)
}

func (s *PostgresStore) updateUser(userID int64, query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("PostgresStore user update failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to update user %d: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for user %d: %w", userID, err)
	}
	if affected == 0 {
		return models.ErrNoUser
	}
	return nil
}

func (s *PostgresStore) StartNewDialog(userID int64, mode string) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := newDialogID()
	now := time.Now()
	if _, err := tx.Exec(`INSERT INTO dialogs (id, user_id, mode, started_at) VALUES ($1, $2, $3, $4)`, id, userID, mode, now); err != nil {
		slog.Error("PostgresStore StartNewDialog insert failed", "error", err, "userID", userID)
		return "", fmt.Errorf("failed to insert dialog for user %d: %w", userID, err)
	}
	res, err := tx.Exec(`UPDATE users SET current_dialog_id = $1, current_mode = $2 WHERE id = $3`, id, mode, userID)
	if err != nil {
		slog.Error("PostgresStore StartNewDialog update failed", "error", err, "userID", userID)
		return "", fmt.Errorf("failed to update user %d: %w", userID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return "", models.ErrNoUser
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit dialog for user %d: %w", userID, err)
	}
	slog.Debug("PostgresStore StartNewDialog succeeded", "userID", userID, "dialogID", id, "mode", mode)
	return id, nil
}

func (s *PostgresStore) DialogTurns(userID int64) ([]models.Turn, error) {
	rows, err := s.db.Query(`
		SELECT t.user_text, t.bot_text, t.created_at
		FROM turns t
		JOIN users u ON u.current_dialog_id = t.dialog_id
		WHERE u.id = $1
		ORDER BY t.id`, userID)
	if err != nil {
		slog.Error("PostgresStore DialogTurns query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query turns for user %d: %w", userID, err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.UserText, &t.BotText, &t.Timestamp); err != nil {
			slog.Error("PostgresStore DialogTurns scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) AppendTurn(userID int64, turn models.Turn) error {
	res, err := s.db.Exec(`
		INSERT INTO turns (dialog_id, user_text, bot_text, created_at)
		SELECT current_dialog_id, $1, $2, $3 FROM users WHERE id = $4 AND current_dialog_id IS NOT NULL`,
		turn.UserText, turn.BotText, turn.Timestamp, userID)
	if err != nil {
		slog.Error("PostgresStore AppendTurn failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to insert turn for user %d: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for user %d: %w", userID, err)
	}
	if affected == 0 {
		return models.ErrNoUser
	}
	return nil
}

func (s *PostgresStore) PopLastTurn(userID int64) (models.Turn, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return models.Turn{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var t models.Turn
	err = tx.QueryRow(`
		SELECT t.id, t.user_text, t.bot_text, t.created_at
		FROM turns t
		JOIN users u ON u.current_dialog_id = t.dialog_id
		WHERE u.id = $1
		ORDER BY t.id DESC LIMIT 1`, userID).Scan(&id, &t.UserText, &t.BotText, &t.Timestamp)
	if err == sql.ErrNoRows {
		return models.Turn{}, false, nil
	}
	if err != nil {
		slog.Error("PostgresStore PopLastTurn query failed", "error", err, "userID", userID)
		return models.Turn{}, false, fmt.Errorf("failed to query last turn for user %d: %w", userID, err)
	}
	if _, err := tx.Exec(`DELETE FROM turns WHERE id = $1`, id); err != nil {
		slog.Error("PostgresStore PopLastTurn delete failed", "error", err, "userID", userID)
		return models.Turn{}, false, fmt.Errorf("failed to delete turn %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Turn{}, false, fmt.Errorf("failed to commit turn removal: %w", err)
	}
	return t, true, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
