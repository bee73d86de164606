// Package store provides storage backends for chatpipe.
//
// This file implements an SQLite-backed store for users and dialogs.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/chatpipe/chatpipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) UserExists(userID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM users WHERE id = ?`, userID).Scan(&n)
	if err != nil {
		slog.Error("SQLiteStore UserExists failed", "error", err, "userID", userID)
		return false, fmt.Errorf("failed to check user %d: %w", userID, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) CreateUser(u models.User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, chat_id, username, first_name, last_name, current_dialog_id, current_mode, last_interaction, n_generated_images, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.ChatID, nilIfEmpty(u.Username), nilIfEmpty(u.FirstName), nilIfEmpty(u.LastName),
		nilIfEmpty(u.CurrentDialogID), u.CurrentMode, u.LastInteraction, u.NGeneratedImages, u.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateUser failed", "error", err, "userID", u.ID)
		return fmt.Errorf("failed to insert user %d: %w", u.ID, err)
	}
	slog.Debug("SQLiteStore CreateUser succeeded", "userID", u.ID, "mode", u.CurrentMode)
	return nil
}

func (s *SQLiteStore) GetUser(userID int64) (models.User, error) {
	var u models.User
	var username, firstName, lastName, dialogID sql.NullString
	err := s.db.QueryRow(`
		SELECT id, chat_id, username, first_name, last_name, current_dialog_id, current_mode, last_interaction, n_generated_images, created_at
		FROM users WHERE id = ?`, userID).Scan(
		&u.ID, &u.ChatID, &username, &firstName, &lastName, &dialogID,
		&u.CurrentMode, &u.LastInteraction, &u.NGeneratedImages, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return models.User{}, models.ErrNoUser
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "userID", userID)
		return models.User{}, fmt.Errorf("failed to query user %d: %w", userID, err)
	}
	u.Username = username.String
	u.FirstName = firstName.String
	u.LastName = lastName.String
	u.CurrentDialogID = dialogID.String
	return u, nil
}

func (s *SQLiteStore) SetChatMode(userID int64, mode string) error {
	return s.updateUser(userID, `UPDATE users SET current_mode = ? WHERE id = ?`, mode, userID)
}

func (s *SQLiteStore) SetLastInteraction(userID int64, t time.Time) error {
	return s.updateUser(userID, `UPDATE users SET last_interaction = ? WHERE id = ?`, t, userID)
}

func (s *SQLiteStore) IncrementGeneratedImages(userID int64, n int) error {
	return s.updateUser(userID, `UPDATE users SET n_generated_images = n_generated_images + ? WHERE id = ?`, n, userID)
}

// updateUser runs a single-row user update and maps a missing row to
// models.ErrNoUser.
func (s *SQLiteStore) updateUser(userID int64, query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		slog.Error("SQLiteStore user update failed", "error", err, "userID", userID)
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

func (s *SQLiteStore) StartNewDialog(userID int64, mode string) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := newDialogID()
	now := time.Now()
	if _, err := tx.Exec(`INSERT INTO dialogs (id, user_id, mode, started_at) VALUES (?, ?, ?, ?)`, id, userID, mode, now); err != nil {
		slog.Error("SQLiteStore StartNewDialog insert failed", "error", err, "userID", userID)
		return "", fmt.Errorf("failed to insert dialog for user %d: %w", userID, err)
	}
	res, err := tx.Exec(`UPDATE users SET current_dialog_id = ?, current_mode = ? WHERE id = ?`, id, mode, userID)
	if err != nil {
		slog.Error("SQLiteStore StartNewDialog update failed", "error", err, "userID", userID)
		return "", fmt.Errorf("failed to update user %d: %w", userID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return "", models.ErrNoUser
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit dialog for user %d: %w", userID, err)
	}
	slog.Debug("SQLiteStore StartNewDialog succeeded", "userID", userID, "dialogID", id, "mode", mode)
	return id, nil
}

func (s *SQLiteStore) DialogTurns(userID int64) ([]models.Turn, error) {
	rows, err := s.db.Query(`
		SELECT t.user_text, t.bot_text, t.created_at
		FROM turns t
		JOIN users u ON u.current_dialog_id = t.dialog_id
		WHERE u.id = ?
		ORDER BY t.id`, userID)
	if err != nil {
		slog.Error("SQLiteStore DialogTurns query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query turns for user %d: %w", userID, err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.UserText, &t.BotText, &t.Timestamp); err != nil {
			slog.Error("SQLiteStore DialogTurns scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	return turns, nil
}

func (s *SQLiteStore) AppendTurn(userID int64, turn models.Turn) error {
	res, err := s.db.Exec(`
		INSERT INTO turns (dialog_id, user_text, bot_text, created_at)
		SELECT current_dialog_id, ?, ?, ? FROM users WHERE id = ? AND current_dialog_id IS NOT NULL`,
		turn.UserText, turn.BotText, turn.Timestamp, userID)
	if err != nil {
		slog.Error("SQLiteStore AppendTurn failed", "error", err, "userID", userID)
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

func (s *SQLiteStore) PopLastTurn(userID int64) (models.Turn, bool, error) {
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
		WHERE u.id = ?
		ORDER BY t.id DESC LIMIT 1`, userID).Scan(&id, &t.UserText, &t.BotText, &t.Timestamp)
	if err == sql.ErrNoRows {
		return models.Turn{}, false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore PopLastTurn query failed", "error", err, "userID", userID)
		return models.Turn{}, false, fmt.Errorf("failed to query last turn for user %d: %w", userID, err)
	}
	if _, err := tx.Exec(`DELETE FROM turns WHERE id = ?`, id); err != nil {
		slog.Error("SQLiteStore PopLastTurn delete failed", "error", err, "userID", userID)
		return models.Turn{}, false, fmt.Errorf("failed to delete turn %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Turn{}, false, fmt.Errorf("failed to commit turn removal: %w", err)
	}
	return t, true, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
