package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad request"), false},
		{"explicit", NewTransientError(errors.New("rate limited"), 429), true},
		{"wrapped explicit", eris.Wrap(NewTransientError(errors.New("503"), 503), "salesforce: update"), true},
		{"net timeout", timeoutErr{}, true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"message pattern", errors.New("write: Broken Pipe"), true},
		{"permanent wins", Permanent(NewTransientError(errors.New("x"), 503)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 425, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 409, 422} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("REQUIRED_FIELD_MISSING")
	err := eris.Wrap(Permanent(base), "salesforce: create Account")
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "bad field Name", Permanentf("bad field %s", "Name").Error())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassPermanent, Classify(Permanentf("rejected")))
	assert.Equal(t, ClassTransient, Classify(NewTransientError(errors.New("busy"), 503)))
	assert.Equal(t, ClassUnknown, Classify(errors.New("something odd")))
}

func TestTransientError_Unwrap(t *testing.T) {
	base := errors.New("base")
	te := NewTransientError(base, 502)
	assert.Equal(t, "base", te.Error())
	assert.ErrorIs(t, te, base)
	assert.Equal(t, 502, te.StatusCode)
}
