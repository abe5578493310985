package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("restoring a.txt: %w", Deleted("a.txt deleted at 300"))

	assert.True(t, stderrors.Is(err, ErrDeleted))
	assert.False(t, stderrors.Is(err, ErrNoSuchVersion))
	assert.Equal(t, ErrorTypeDeleted, TypeOf(err))
	assert.Equal(t, http.StatusGone, StatusCode(err))
}

func TestIOFailureUnwraps(t *testing.T) {
	cause := stderrors.New("disk full")
	err := IOFailure("writing payload", cause)

	assert.True(t, stderrors.Is(err, ErrIOFailure))
	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, "writing payload: disk full", err.Error())
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", NotFound("x"), http.StatusNotFound},
		{"no such version", NoSuchVersion("x"), http.StatusNotFound},
		{"validation", ValidationError("bad", nil), http.StatusBadRequest},
		{"inconsistent", Inconsistent("x", nil), http.StatusInternalServerError},
		{"plain", stderrors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}
