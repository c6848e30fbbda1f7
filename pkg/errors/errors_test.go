package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with cause",
			err:  &Error{Kind: KindTimeout, Message: "request timed out", Cause: errors.New("deadline exceeded")},
			want: "timeout: request timed out: deadline exceeded",
		},
		{
			name: "without cause",
			err:  &Error{Kind: KindDisabled, Message: "server is disabled"},
			want: "disabled: server is disabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("underlying")
	err := New(KindToolError, "tool failed", cause)
	assert.Equal(t, cause, err.Unwrap())

	errNoCause := New(KindToolError, "tool failed", nil)
	assert.Nil(t, errNoCause.Unwrap())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	err := NewValidation("arguments invalid", []string{"$.name", "$.count"})
	assert.Equal(t, KindValidationError, err.Kind)
	assert.Equal(t, []string{"$.name", "$.count"}, err.Paths)
}

func TestIsKind(t *testing.T) {
	t.Parallel()
	err := New(KindSignatureExpired, "too old", nil)
	assert.True(t, IsKind(err, KindSignatureExpired))
	assert.False(t, IsKind(err, KindSignatureInFuture))

	wrapped := errors.New("wrap") // not an *Error at all
	assert.False(t, IsKind(wrapped, KindSignatureExpired))
}
