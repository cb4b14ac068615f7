package errors

import (
	stderrors "errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGracefulErrorUnwrap(t *testing.T) {
	cause := stderrors.New("bind: address already in use")
	gerr := &GracefulError{Operation: "proxy listener", Err: cause}

	assert.Contains(t, gerr.Error(), "proxy listener")
	assert.Contains(t, gerr.Error(), "address already in use")
	require.ErrorIs(t, gerr, cause)
}

func TestErrorHandlerExitCode(t *testing.T) {
	eh := NewErrorHandler()
	eh.FatalError("listener bind", stderrors.New("boom"))

	assert.Equal(t, 1, eh.WaitForExit())
}

func TestErrorHandlerFirstErrorWins(t *testing.T) {
	eh := NewErrorHandler()
	eh.ConfigError("/etc/nipgate/config.toml", fs.ErrNotExist)
	eh.ValidationError("server.addr", stderrors.New("must not be empty"))

	// Reporting twice must not block; the exit code stays 1
	assert.Equal(t, 1, eh.WaitForExit())
}
