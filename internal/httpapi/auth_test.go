package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"storefront/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.User
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.User)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.User, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.User{
			"admin": {
				ID:        "u-admin",
				Username:  "admin",
				Password:  "admin123",
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, store)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "admin123" {
		t.Fatalf("expected the password to be upgraded from plain text")
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected a bcrypt password hash, got %s", users[0].Password)
	}
}

func TestTokenCarriesIdentityAndRole(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.User{
			"amina": {
				ID:       "u-amina",
				Username: "amina",
				Password: "amina123",
				Role:     "customer",
				Active:   true,
			},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, store)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "amina", Password: "amina123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.UserID != "u-amina" || actor.Username != "amina" || actor.Role != "customer" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestParseTokenRejectsForgedSecret(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.User{
			"amina": {ID: "u-amina", Username: "amina", Password: "amina123", Role: "customer", Active: true},
		},
	}
	issuer := NewAuthManager("secret-one", time.Hour, store)
	verifier := NewAuthManager("secret-two", time.Hour, &userStoreStub{})

	resp, err := issuer.Login(context.Background(), domain.LoginRequest{Username: "amina", Password: "amina123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected a token signed with another secret to be rejected")
	}
}

func TestLoginRejectsInactiveAccounts(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.User{
			"ghost": {ID: "u-ghost", Username: "ghost", Password: "ghost123", Role: "customer", Active: false},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, store)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "ghost123"}); err == nil {
		t.Fatalf("expected an inactive account to be rejected")
	}
}

func TestRegisterHashesAndLogsIn(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.User{}}
	manager := NewAuthManager("test-secret", time.Hour, store)

	resp, err := manager.Register(context.Background(), domain.LoginRequest{Username: "newcomer", Password: "pass1234"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if resp.AccessToken == "" || resp.Role != "customer" {
		t.Fatalf("unexpected register response: %+v", resp)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected the account to be stored, got %d users", len(users))
	}
	if users[0].Password == "pass1234" || !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected a bcrypt hash, got %q", users[0].Password)
	}

	if _, err := manager.Register(context.Background(), domain.LoginRequest{Username: "ab", Password: "pass1234"}); err == nil {
		t.Fatalf("expected a short username to be rejected")
	}
	if _, err := manager.Register(context.Background(), domain.LoginRequest{Username: "validname", Password: "123"}); err == nil {
		t.Fatalf("expected a short password to be rejected")
	}
}
