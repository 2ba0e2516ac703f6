// Package users manages admin user accounts on top of the shared cache.
//
// Role assignment and enable toggles are applied to the cached list at once
// and kept after the server accepts them. Full edits are reconciled by a
// refetch.
package users

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/apiclient"
	"github.com/chimerakang/admin-console-go/cache"
)

// CacheKey is the cache key of the user list.
const CacheKey = "all-users-list"

// Service implements console.UserAdmin.
type Service struct {
	api      console.Doer
	cache    *cache.Store
	notifier console.Notifier
	logger   *slog.Logger
}

// compile-time check
var _ console.UserAdmin = (*Service)(nil)

// Option configures the Service.
type Option func(*Service)

// WithNotifier sets the user-visible notice sink.
func WithNotifier(n console.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a user service.
func New(api console.Doer, store *cache.Store, opts ...Option) *Service {
	s := &Service{api: api, cache: store, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.notifier == nil {
		s.notifier = console.LogNotifier{Logger: s.logger}
	}
	return s
}

// List returns the cached user list, fetching it on first use.
func (s *Service) List(ctx context.Context) ([]console.User, error) {
	users, err := cache.Load(ctx, s.cache, CacheKey, s.fetch)
	if err != nil {
		return nil, s.fail("list users", err)
	}
	return users, nil
}

// Refresh refetches the user list.
func (s *Service) Refresh(ctx context.Context) ([]console.User, error) {
	users, err := cache.Reload(ctx, s.cache, CacheKey, s.fetch)
	if err != nil {
		return nil, s.fail("list users", err)
	}
	return users, nil
}

func (s *Service) fetch(ctx context.Context) ([]console.User, error) {
	users, err := apiclient.Call[[]console.User](ctx, s.api, console.Request{URL: console.PathAdminUsers})
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []console.User{}
	}
	return users, nil
}

type assignment struct {
	UserID  int64   `json:"userId"`
	RoleIDs []int64 `json:"roleIds"`
}

func roleIDs(roles []console.Role) []int64 {
	ids := make([]int64, len(roles))
	for i, r := range roles {
		ids[i] = r.ID
	}
	return ids
}

// AddRoles grants roles to the user.
func (s *Service) AddRoles(ctx context.Context, userID int64, roles []console.Role) error {
	err := cache.Mutate(ctx, s.cache, cache.Mutation[[]console.User]{
		Key:    CacheKey,
		Policy: cache.Keep,
		Apply:  patchUser(userID, func(u *console.User) { u.Roles = unionRoles(u.Roles, roles) }),
		Commit: func(ctx context.Context) error {
			_, err := s.api.Do(ctx, console.Request{
				URL:    console.PathAdminAddRoles,
				Method: http.MethodPost,
				Body:   assignment{UserID: userID, RoleIDs: roleIDs(roles)},
			})
			return err
		},
	})
	return s.settle("add roles", "Roles added.", err)
}

// RemoveRoles revokes roles from the user.
func (s *Service) RemoveRoles(ctx context.Context, userID int64, roles []console.Role) error {
	err := cache.Mutate(ctx, s.cache, cache.Mutation[[]console.User]{
		Key:    CacheKey,
		Policy: cache.Keep,
		Apply:  patchUser(userID, func(u *console.User) { u.Roles = subtractRoles(u.Roles, roles) }),
		Commit: func(ctx context.Context) error {
			_, err := s.api.Do(ctx, console.Request{
				URL:    console.PathAdminRemoveRoles,
				Method: http.MethodDelete,
				Body:   assignment{UserID: userID, RoleIDs: roleIDs(roles)},
			})
			return err
		},
	})
	return s.settle("remove roles", "Roles removed.", err)
}

// ToggleEnabled flips the user's enabled flag.
func (s *Service) ToggleEnabled(ctx context.Context, userID int64) error {
	err := cache.Mutate(ctx, s.cache, cache.Mutation[[]console.User]{
		Key:    CacheKey,
		Policy: cache.Keep,
		Apply:  patchUser(userID, func(u *console.User) { u.Enabled = !u.Enabled }),
		Commit: func(ctx context.Context) error {
			_, err := s.api.Do(ctx, console.Request{
				URL:    console.PathAdminUserEnable + strconv.FormatInt(userID, 10),
				Method: http.MethodPut,
			})
			return err
		},
	})
	return s.settle("toggle user", "User status updated.", err)
}

// Update replaces the user's editable fields and reconciles the list from the server.
func (s *Service) Update(ctx context.Context, user console.User) error {
	err := cache.Mutate(ctx, s.cache, cache.Mutation[[]console.User]{
		Key:    CacheKey,
		Policy: cache.Refetch,
		Apply:  patchUser(user.ID, func(u *console.User) { *u = *user.Clone() }),
		Commit: func(ctx context.Context) error {
			_, err := s.api.Do(ctx, console.Request{
				URL:    console.PathAdminUsers,
				Method: http.MethodPut,
				Body:   user,
			})
			return err
		},
		Refetch: s.fetch,
	})
	return s.settle("update user", "User updated.", err)
}

func (s *Service) settle(op, success string, err error) error {
	if err != nil {
		return s.fail(op, err)
	}
	s.notifier.Success(success)
	return nil
}

func (s *Service) fail(op string, err error) error {
	s.logger.Warn("user operation failed", "op", op, "error", err)
	s.notifier.Error(console.Message(err))
	return fmt.Errorf("console/users: %s: %w", op, err)
}

// patchUser returns a list patch that applies fn to the user with id.
func patchUser(id int64, fn func(*console.User)) func([]console.User) []console.User {
	return func(users []console.User) []console.User {
		for i := range users {
			if users[i].ID == id {
				fn(&users[i])
			}
		}
		return users
	}
}

func unionRoles(have, add []console.Role) []console.Role {
	out := append([]console.Role(nil), have...)
	for _, r := range add {
		found := false
		for _, h := range out {
			if h.ID == r.ID {
				found = true
				break
			}
		}
		if !found {
			out = append(out, console.Role{ID: r.ID, Name: r.Name})
		}
	}
	return out
}

func subtractRoles(have, remove []console.Role) []console.Role {
	out := make([]console.Role, 0, len(have))
	for _, h := range have {
		drop := false
		for _, r := range remove {
			if h.ID == r.ID {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, h)
		}
	}
	return out
}
