package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/supportdesk/internal/domain"
)

func TestPrincipalFromHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set(HeaderPrincipalID, "biz_1")
	req.Header.Set(HeaderPrincipalRole, "Business")

	p, err := PrincipalFromRequest(req, false)
	require.NoError(t, err)
	assert.Equal(t, domain.Principal{ID: "biz_1", Role: domain.RoleBusiness}, p)
}

func TestPrincipalFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?principalId=cust_1&role=customer", nil)

	_, err := PrincipalFromRequest(req, false)
	assert.ErrorIs(t, err, ErrNoPrincipal)

	p, err := PrincipalFromRequest(req, true)
	require.NoError(t, err)
	assert.Equal(t, "cust_1", p.ID)
}

func TestPrincipalRejectsUnknownRole(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderPrincipalID, "x")
	req.Header.Set(HeaderPrincipalRole, "root")
	_, err := PrincipalFromRequest(req, false)
	assert.ErrorIs(t, err, ErrNoPrincipal)
}
