// Package transport holds helpers shared by the HTTP and websocket surfaces.
package transport

import (
	"errors"
	"net/http"
	"strings"

	"github.com/xiaot623/supportdesk/internal/domain"
)

// Headers set by the upstream auth proxy and by clients.
const (
	HeaderPrincipalID    = "X-Principal-ID"
	HeaderPrincipalRole  = "X-Principal-Role"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderConnectionID   = "X-Connection-ID"
)

// ErrNoPrincipal is returned when a request carries no usable principal.
var ErrNoPrincipal = errors.New("missing or invalid principal")

// PrincipalFromRequest reads the caller from the auth headers. When
// allowQuery is set, principalId and role query parameters are accepted as a
// fallback for browser websocket clients that cannot set headers.
func PrincipalFromRequest(r *http.Request, allowQuery bool) (domain.Principal, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderPrincipalID))
	role := strings.TrimSpace(r.Header.Get(HeaderPrincipalRole))
	if id == "" && allowQuery {
		q := r.URL.Query()
		id = strings.TrimSpace(q.Get("principalId"))
		role = strings.TrimSpace(q.Get("role"))
	}
	p := domain.Principal{ID: id, Role: domain.Role(strings.ToLower(role))}
	if p.ID == "" || !p.Role.Valid() {
		return domain.Principal{}, ErrNoPrincipal
	}
	return p, nil
}
