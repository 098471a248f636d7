package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Role names a privileged capability held by a single account.
type Role string

const (
	// RoleEscrow marks orders paid on behalf of the payment oracle and
	// forces refunds.
	RoleEscrow Role = "escrow"
	// RoleTreasury sets prices and rotates role keys.
	RoleTreasury Role = "treasury"
	// RoleWorkflow reports sample and analysis failures.
	RoleWorkflow Role = "workflow"
)

// Roles lists every known role.
var Roles = []Role{RoleEscrow, RoleTreasury, RoleWorkflow}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnknownRole  = errors.New("unknown role")
	ErrRoleNotSet   = errors.New("role key not set")
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Authorizer decides whether an account may act in a role. Implementations
// may be single-key, multi-sig or threshold schemes.
type Authorizer interface {
	IsAuthorized(ctx context.Context, role Role, account string) bool
}

// Authority is the account currently holding a role.
type Authority struct {
	Role      Role      `json:"role"`
	Account   string    `json:"account"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AuthorityStore persists role keys.
type AuthorityStore interface {
	Get(ctx context.Context, role Role) (*Authority, error)
	Set(ctx context.Context, a *Authority) error
	List(ctx context.Context) ([]*Authority, error)
}

// KeyAuthorizer grants each role to exactly one account. The sudo account
// may rotate any key; afterwards the treasury key may too.
type KeyAuthorizer struct {
	store  AuthorityStore
	sudo   string
	logger *slog.Logger
}

// NewKeyAuthorizer creates a single-key authorizer. sudo may be empty.
func NewKeyAuthorizer(store AuthorityStore, sudo string, logger *slog.Logger) *KeyAuthorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyAuthorizer{store: store, sudo: strings.ToLower(sudo), logger: logger}
}

// IsAuthorized reports whether account currently holds role.
func (k *KeyAuthorizer) IsAuthorized(ctx context.Context, role Role, account string) bool {
	if account == "" {
		return false
	}
	a, err := k.store.Get(ctx, role)
	if err != nil {
		return false
	}
	return strings.EqualFold(a.Account, account)
}

// Key returns the account holding role.
func (k *KeyAuthorizer) Key(ctx context.Context, role Role) (string, error) {
	a, err := k.store.Get(ctx, role)
	if err != nil {
		return "", err
	}
	return a.Account, nil
}

// List returns all assigned role keys.
func (k *KeyAuthorizer) List(ctx context.Context) ([]*Authority, error) {
	return k.store.List(ctx)
}

// SetKey assigns role to account. caller must be the sudo account or the
// current treasury key.
func (k *KeyAuthorizer) SetKey(ctx context.Context, caller string, role Role, account string) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if strings.TrimSpace(account) == "" {
		return fmt.Errorf("%w: empty account", ErrUnauthorized)
	}
	isSudo := k.sudo != "" && strings.EqualFold(caller, k.sudo)
	if !isSudo && !k.IsAuthorized(ctx, RoleTreasury, caller) {
		return ErrUnauthorized
	}

	if err := k.store.Set(ctx, &Authority{
		Role:      role,
		Account:   strings.ToLower(strings.TrimSpace(account)),
		UpdatedAt: time.Now(),
	}); err != nil {
		return err
	}
	k.logger.Info("role key updated", "role", role, "account", account, "by", caller)
	return nil
}

// Bootstrap assigns role keys from configuration to roles that have no key
// yet. Keys already in the store win, so a rotation made with SetKey
// survives restarts. Empty accounts are skipped.
func (k *KeyAuthorizer) Bootstrap(ctx context.Context, keys map[Role]string) error {
	for role, account := range keys {
		if account == "" {
			continue
		}
		current, err := k.store.Get(ctx, role)
		if err == nil {
			if !strings.EqualFold(current.Account, account) {
				k.logger.Warn("configured role key ignored, store holds a rotated key",
					"role", role, "configured", account, "current", current.Account)
			}
			continue
		}
		if !errors.Is(err, ErrRoleNotSet) {
			return fmt.Errorf("bootstrap %s key: %w", role, err)
		}
		if err := k.store.Set(ctx, &Authority{
			Role:      role,
			Account:   strings.ToLower(account),
			UpdatedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("bootstrap %s key: %w", role, err)
		}
	}
	return nil
}

// AnyOf authorizes when account holds at least one of roles.
func AnyOf(ctx context.Context, a Authorizer, account string, roles ...Role) bool {
	for _, r := range roles {
		if a.IsAuthorized(ctx, r, account) {
			return true
		}
	}
	return false
}

// MemoryAuthorityStore keeps role keys in memory.
type MemoryAuthorityStore struct {
	mu   sync.RWMutex
	keys map[Role]Authority
}

// NewMemoryAuthorityStore creates an empty store.
func NewMemoryAuthorityStore() *MemoryAuthorityStore {
	return &MemoryAuthorityStore{keys: make(map[Role]Authority)}
}

func (s *MemoryAuthorityStore) Get(ctx context.Context, role Role) (*Authority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.keys[role]
	if !ok {
		return nil, ErrRoleNotSet
	}
	return &a, nil
}

func (s *MemoryAuthorityStore) Set(ctx context.Context, a *Authority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[a.Role] = *a
	return nil
}

func (s *MemoryAuthorityStore) List(ctx context.Context) ([]*Authority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Authority, 0, len(s.keys))
	for _, a := range s.keys {
		cp := a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Role < result[j].Role })
	return result, nil
}

var (
	_ Authorizer     = (*KeyAuthorizer)(nil)
	_ AuthorityStore = (*MemoryAuthorityStore)(nil)
)
