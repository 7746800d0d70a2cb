package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		kind     Kind
	}{
		{"not found", NotFound("profile %q", "alice"), ErrNotFound, KindNotFound},
		{"conflict", Conflict("window overlaps"), ErrConflict, KindConflict},
		{"unauthorized", Unauthorized("authentication failed"), ErrUnauthorized, KindUnauthorized},
		{"validation", Validation("bad time %q", "25:00"), ErrValidation, KindValidation},
		{"transient", Transient(errors.New("database is locked"), "storage busy"), ErrTransient, KindTransient},
		{"internal", Internal("two open sessions"), ErrInternal, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(tt.err))

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(wrapped))
		})
	}
}

func TestKindsDoNotCrossMatch(t *testing.T) {
	err := NotFound("request r1")
	assert.NotErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := Conflict("name taken")
	assert.Equal(t, KindConflict, KindOf(Wrap(KindInternal, inner, "x")))

	plain := errors.New("boom")
	wrapped := Wrap(KindTransient, plain, "storage")
	assert.Equal(t, KindTransient, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, plain)
	assert.Nil(t, Wrap(KindInternal, nil, "x"))
}

func TestMessageHidesDetails(t *testing.T) {
	assert.Equal(t, "internal error", Message(errors.New("sql: near SELECT")))
	assert.Equal(t, "storage busy", Message(Transient(errors.New("SQLITE_BUSY"), "storage busy")))
	assert.Equal(t, `profile "bob"`, Message(NotFound("profile %q", "bob")))
}
