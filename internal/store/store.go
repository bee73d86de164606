// Package store provides storage backends for chatpipe.
//
// It includes an in-memory store for tests and small deployments, plus
// SQLite and PostgreSQL backed stores selected by DSN.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatpipe/chatpipe/internal/models"
	"github.com/chatpipe/chatpipe/internal/util"
)

// Store persists users, dialogs and their turns.
type Store interface {
	// UserExists reports whether the user has been registered.
	UserExists(userID int64) (bool, error)
	// CreateUser registers a new user record.
	CreateUser(u models.User) error
	// GetUser returns the user record, or models.ErrNoUser if absent.
	GetUser(userID int64) (models.User, error)
	// SetChatMode updates the user's current chat mode.
	SetChatMode(userID int64, mode string) error
	// SetLastInteraction records the time of the user's latest message.
	SetLastInteraction(userID int64, t time.Time) error
	// IncrementGeneratedImages adds n to the user's generated image counter.
	IncrementGeneratedImages(userID int64, n int) error
	// StartNewDialog opens a fresh dialog for the user in the given mode
	// and makes it current. Returns the new dialog ID.
	StartNewDialog(userID int64, mode string) (string, error)
	// DialogTurns returns the turns of the user's current dialog,
	// oldest first.
	DialogTurns(userID int64) ([]models.Turn, error)
	// AppendTurn appends a completed turn to the user's current dialog.
	AppendTurn(userID int64, turn models.Turn) error
	// PopLastTurn removes and returns the most recent turn of the
	// current dialog. The bool is false when the dialog is empty.
	PopLastTurn(userID int64) (models.Turn, bool, error)
	// Close releases any underlying resources.
	Close() error
}

// Opts holds configuration options for store constructors.
type Opts struct {
	DSN string
}

// Option configures store construction.
type Option func(*Opts)

// WithDSN sets the database DSN.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL-style DSNs and
// "sqlite3" otherwise. SQLite DSNs are plain file paths.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// newDialogID returns a fresh dialog identifier.
func newDialogID() string {
	return util.GenerateRandomID("d_", 32)
}

// InMemoryStore keeps all records in process memory. Safe for
// concurrent use.
type InMemoryStore struct {
	mu      sync.Mutex
	users   map[int64]models.User
	dialogs map[string][]models.Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:   make(map[int64]models.User),
		dialogs: make(map[string][]models.Turn),
	}
}

func (s *InMemoryStore) UserExists(userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok, nil
}

func (s *InMemoryStore) CreateUser(u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *InMemoryStore) GetUser(userID int64) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.User{}, models.ErrNoUser
	}
	return u, nil
}

func (s *InMemoryStore) SetChatMode(userID int64, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.ErrNoUser
	}
	u.CurrentMode = mode
	s.users[userID] = u
	return nil
}

func (s *InMemoryStore) SetLastInteraction(userID int64, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.ErrNoUser
	}
	u.LastInteraction = t
	s.users[userID] = u
	return nil
}

func (s *InMemoryStore) IncrementGeneratedImages(userID int64, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.ErrNoUser
	}
	u.NGeneratedImages += n
	s.users[userID] = u
	return nil
}

func (s *InMemoryStore) StartNewDialog(userID int64, mode string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return "", models.ErrNoUser
	}
	id := newDialogID()
	s.dialogs[id] = nil
	u.CurrentDialogID = id
	u.CurrentMode = mode
	s.users[userID] = u
	return id, nil
}

func (s *InMemoryStore) DialogTurns(userID int64) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, models.ErrNoUser
	}
	turns := s.dialogs[u.CurrentDialogID]
	out := make([]models.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *InMemoryStore) AppendTurn(userID int64, turn models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.ErrNoUser
	}
	s.dialogs[u.CurrentDialogID] = append(s.dialogs[u.CurrentDialogID], turn)
	return nil
}

func (s *InMemoryStore) PopLastTurn(userID int64) (models.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.Turn{}, false, models.ErrNoUser
	}
	turns := s.dialogs[u.CurrentDialogID]
	if len(turns) == 0 {
		return models.Turn{}, false, nil
	}
	last := turns[len(turns)-1]
	s.dialogs[u.CurrentDialogID] = turns[:len(turns)-1]
	return last, true, nil
}

func (s *InMemoryStore) Close() error { return nil }

// Users returns all registered users sorted by ID (for tests).
func (s *InMemoryStore) Users() []models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
