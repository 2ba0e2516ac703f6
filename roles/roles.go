// Package roles manages role definitions on top of the shared cache.
package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/go-playground/validator/v10"

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/apiclient"
	"github.com/chimerakang/admin-console-go/cache"
)

// Cache keys.
const (
	CacheKey  = "all-roles-list"
	CountsKey = "admin-roles-count"
)

var (
	// ErrRoleInUse is returned when deleting a role that is still assigned to users.
	ErrRoleInUse = errors.New("console/roles: role is assigned to users")
	// ErrRoleExists is returned when adding a role that is already listed.
	ErrRoleExists = errors.New("console/roles: role already exists")
)

type newRole struct {
	Name string `validate:"required,min=6,max=64,startswith=ROLE_,uppercase,excludesall= /"`
}

// Service implements console.RoleAdministrator.
type Service struct {
	api      console.Doer
	cache    *cache.Store
	validate *validator.Validate
	notifier console.Notifier
	logger   *slog.Logger

	// tempID hands out negative ids for roles the server has not confirmed yet.
	tempID atomic.Int64
}

// compile-time check
var _ console.RoleAdministrator = (*Service)(nil)

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

// WithValidator shares a validator instance.
func WithValidator(v *validator.Validate) Option {
	return func(s *Service) { s.validate = v }
}

// New creates a role service.
func New(api console.Doer, store *cache.Store, opts ...Option) *Service {
	s := &Service{api: api, cache: store, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.validate == nil {
		s.validate = validator.New(validator.WithRequiredStructEnabled())
	}
	if s.notifier == nil {
		s.notifier = console.LogNotifier{Logger: s.logger}
	}
	return s
}

// List returns the cached role list, fetching it on first use.
func (s *Service) List(ctx context.Context) ([]console.Role, error) {
	roles, err := cache.Load(ctx, s.cache, CacheKey, s.fetch)
	if err != nil {
		return nil, s.fail("list roles", err)
	}
	return roles, nil
}

// Refresh refetches the role list.
func (s *Service) Refresh(ctx context.Context) ([]console.Role, error) {
	roles, err := cache.Reload(ctx, s.cache, CacheKey, s.fetch)
	if err != nil {
		return nil, s.fail("list roles", err)
	}
	return roles, nil
}

func (s *Service) fetch(ctx context.Context) ([]console.Role, error) {
	roles, err := apiclient.Call[[]console.Role](ctx, s.api, console.Request{URL: console.PathAdminRoles})
	if err != nil {
		return nil, err
	}
	if roles == nil {
		roles = []console.Role{}
	}
	return roles, nil
}

// Counts returns how many users hold each role.
func (s *Service) Counts(ctx context.Context) ([]console.RoleCount, error) {
	counts, err := cache.Load(ctx, s.cache, CountsKey, func(ctx context.Context) ([]console.RoleCount, error) {
		return apiclient.Call[[]console.RoleCount](ctx, s.api, console.Request{URL: console.PathAdminRoleCount})
	})
	if err != nil {
		return nil, s.fail("role counts", err)
	}
	return counts, nil
}

// Add creates a role. The name is normalized to the ROLE_ convention first,
// so "support team" becomes ROLE_SUPPORT_TEAM. The role appears in the cached
// list at once under a temporary negative id, which the refetch replaces with
// the server's.
func (s *Service) Add(ctx context.Context, name string) error {
	name = console.NormalizeRoleName(name)
	if err := s.validate.Struct(newRole{Name: name}); err != nil {
		return s.fail("add role", fmt.Errorf("invalid role name %q: %w", name, err))
	}
	if cached, ok, _ := cache.Get[[]console.Role](s.cache, CacheKey); ok {
		for _, r := range cached {
			if r.Name == name {
				return s.fail("add role", ErrRoleExists)
			}
		}
	}

	temp := console.Role{ID: s.tempID.Add(-1), Name: name}
	err := cache.Mutate(ctx, s.cache, cache.Mutation[[]console.Role]{
		Key:    CacheKey,
		Policy: cache.Refetch,
		Apply:  func(roles []console.Role) []console.Role { return append(roles, temp) },
		Commit: func(ctx context.Context) error {
			_, err := s.api.Do(ctx, console.Request{
				URL:    console.PathAdminRoles + "/" + url.PathEscape(name),
				Method: http.MethodPost,
			})
			return err
		},
		Refetch: s.fetch,
	})
	return s.settle("add role", "Role "+console.FormatRoleName(name)+" added.", err)
}

// Delete removes a role. A role still assigned to users is refused locally
// with ErrRoleInUse unless force is set; a forced delete the server rejects
// is rolled back.
func (s *Service) Delete(ctx context.Context, roleID int64, force bool) error {
	if !force {
		if cached, ok, _ := cache.Get[[]console.Role](s.cache, CacheKey); ok {
			for _, r := range cached {
				if r.ID == roleID && r.UsersCount > 0 {
					return s.fail("delete role", ErrRoleInUse)
				}
			}
		}
	}

	err := cache.Mutate(ctx, s.cache, cache.Mutation[[]console.Role]{
		Key:    CacheKey,
		Policy: cache.Refetch,
		Apply: func(roles []console.Role) []console.Role {
			out := roles[:0]
			for _, r := range roles {
				if r.ID != roleID {
					out = append(out, r)
				}
			}
			return out
		},
		Commit: func(ctx context.Context) error {
			_, err := s.api.Do(ctx, console.Request{
				URL:    console.PathAdminRoles + "/" + strconv.FormatInt(roleID, 10),
				Method: http.MethodDelete,
			})
			return err
		},
		Refetch: s.fetch,
	})
	return s.settle("delete role", "Role deleted.", err)
}

func (s *Service) settle(op, success string, err error) error {
	if err != nil {
		return s.fail(op, err)
	}
	s.cache.Invalidate(CountsKey)
	s.notifier.Success(success)
	return nil
}

func (s *Service) fail(op string, err error) error {
	s.logger.Warn("role operation failed", "op", op, "error", err)
	s.notifier.Error(message(err))
	if errors.Is(err, ErrRoleInUse) || errors.Is(err, ErrRoleExists) {
		return err
	}
	return fmt.Errorf("console/roles: %s: %w", op, err)
}

func message(err error) string {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, ErrRoleInUse):
		return "Role is assigned to users and cannot be deleted."
	case errors.Is(err, ErrRoleExists):
		return "Role already exists."
	case errors.As(err, &verrs):
		return "Role names must be upper case and start with " + console.RolePrefix + "."
	}
	return console.Message(err)
}
