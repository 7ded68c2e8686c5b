// Package authpw provides email/password account management.
package authpw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"pulse/api/internal/util"
)

var (
	// ErrEmailTaken is returned when the sign-up email is already registered.
	ErrEmailTaken = errors.New("email already registered")
	// ErrBadCredentials is returned for an unknown email or a wrong password.
	ErrBadCredentials = errors.New("invalid email or password")
)

// Viewer is the identity attached to sessions and interactions.
type Viewer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Account is the stored record behind a Viewer.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

func (a Account) viewer() Viewer {
	return Viewer{ID: a.ID, Name: a.Name, Role: a.Role}
}

// UserStore defines the storage interface for accounts.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (Account, error)
	Create(ctx context.Context, account Account) error
}

// Service provides email/password authentication.
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// SignUpRequest contains sign-up parameters.
type SignUpRequest struct {
	Email    string
	Password string
	Name     string
}

// SignUp creates a new account with the default member role.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (Viewer, error) {
	if req.Email == "" || req.Password == "" || req.Name == "" {
		return Viewer{}, errors.New("email, password, and name are required")
	}
	if len(req.Password) < 8 {
		return Viewer{}, errors.New("password must be at least 8 characters")
	}

	email := normalizeEmail(req.Email)
	if _, err := s.store.GetByEmail(ctx, email); err == nil {
		return Viewer{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return Viewer{}, fmt.Errorf("hash password: %w", err)
	}

	account := Account{
		ID:           util.NewID("user"),
		Email:        email,
		Name:         req.Name,
		Role:         "member",
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	if err := s.store.Create(ctx, account); err != nil {
		return Viewer{}, fmt.Errorf("create account: %w", err)
	}
	return account.viewer(), nil
}

// SignIn verifies the password and returns the account's viewer record.
func (s *Service) SignIn(ctx context.Context, email, password string) (Viewer, error) {
	account, err := s.store.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return Viewer{}, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return Viewer{}, ErrBadCredentials
	}
	return account.viewer(), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RedisUserStore keeps accounts in Redis, keyed by email.
type RedisUserStore struct {
	client *redis.Client
	prefix string
}

func NewRedisUserStore(client *redis.Client) *RedisUserStore {
	return &RedisUserStore{client: client, prefix: "user:"}
}

func (s *RedisUserStore) key(email string) string {
	return s.prefix + email
}

func (s *RedisUserStore) GetByEmail(ctx context.Context, email string) (Account, error) {
	raw, err := s.client.Get(ctx, s.key(email)).Result()
	if err == redis.Nil {
		return Account{}, fmt.Errorf("account not found")
	}
	if err != nil {
		return Account{}, fmt.Errorf("lookup account: %w", err)
	}
	var account Account
	if err := json.Unmarshal([]byte(raw), &account); err != nil {
		return Account{}, fmt.Errorf("unmarshal account: %w", err)
	}
	return account, nil
}

func (s *RedisUserStore) Create(ctx context.Context, account Account) error {
	raw, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(account.Email), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	if !ok {
		return ErrEmailTaken
	}
	return nil
}
