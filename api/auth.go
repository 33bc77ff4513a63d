package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// CAPABILITIES
// =============================================================================
//
// Authentication happens upstream. The gateway forwards the caller as two
// headers and the API only checks the role is high enough for the route.

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

type Role int

const (
	RoleRegular Role = iota + 1
	RoleCashier
	RoleManager
	RoleSuperuser
)

var roleNames = map[string]Role{
	"regular":   RoleRegular,
	"cashier":   RoleCashier,
	"manager":   RoleManager,
	"superuser": RoleSuperuser,
}

func (r Role) String() string {
	for name, role := range roleNames {
		if role == r {
			return name
		}
	}
	return "unknown"
}

// Actor is the authenticated caller.
type Actor struct {
	ID   ledger.UserID
	Role Role
}

// AtLeast reports whether the actor holds role or a higher one.
func (a Actor) AtLeast(role Role) bool { return a.Role >= role }

type actorKey struct{}

func actorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// identify parses the actor headers. Requests without them are rejected
// with 401; malformed ones with 400.
func identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawID, rawRole := r.Header.Get(HeaderActorID), r.Header.Get(HeaderActorRole)
		if rawID == "" || rawRole == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing actor headers", nil)
			return
		}
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "Invalid actor id", err)
			return
		}
		role, ok := roleNames[strings.ToLower(rawRole)]
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_input", "Unknown actor role", nil)
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, Actor{ID: ledger.UserID(id), Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole admits actors holding at least role.
func requireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, ok := actorFrom(r.Context())
			if !ok || !a.AtLeast(role) {
				writeError(w, http.StatusForbidden, "forbidden", "Requires role "+role.String(), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
