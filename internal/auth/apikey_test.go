package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", Extract(r))

	r.Header.Set(HeaderName, "  secret  ")
	assert.Equal(t, "secret", Extract(r))
}

func TestAuthorize(t *testing.T) {
	assert.True(t, Authorize("secret", "secret"))
	assert.False(t, Authorize("secret", "other"))
	assert.False(t, Authorize("", "secret"))
	assert.False(t, Authorize("secret", ""))
	assert.False(t, Authorize("", ""))
}
