package errkind

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Invalid, "invalid_argument"},
		{Unauthenticated, "unauthenticated"},
		{Forbidden, "forbidden"},
		{NotFound, "not_found"},
		{Conflict, "conflict"},
		{Gone, "gone"},
		{TooLarge, "payload_too_large"},
		{TooMany, "too_many_requests"},
		{Unimplemented, "unimplemented"},
		{Internal, "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, Invalid.HTTPStatus())
	assert.Equal(t, http.StatusConflict, Conflict.HTTPStatus())
	assert.Equal(t, http.StatusNotImplemented, Unimplemented.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Internal.HTTPStatus())
	assert.Equal(t, http.StatusGone, Gone.HTTPStatus())
}

func TestWrapPreservesExistingKind(t *testing.T) {
	inner := New(NotFound, "table %q not found", "users")
	outer := Wrap(Internal, fmt.Errorf("lookup: %w", inner))
	assert.Equal(t, NotFound, Of(outer))
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, Wrap(Invalid, nil))
}

func TestOfUnclassified(t *testing.T) {
	assert.Equal(t, Internal, Of(errors.New("boom")))
}

func TestIs(t *testing.T) {
	err := New(Conflict, "bucket exists")
	assert.True(t, Is(err, Conflict))
	assert.False(t, Is(err, NotFound))
	assert.False(t, Is(nil, Conflict))
}

func TestUnwrapChain(t *testing.T) {
	sentinel := errors.New("no such row")
	err := Wrap(NotFound, fmt.Errorf("get project: %w", sentinel))
	assert.True(t, errors.Is(err, sentinel))
}
