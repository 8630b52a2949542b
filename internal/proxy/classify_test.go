package proxy

import (
	"errors"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, Continue},
		{"permission denied", syscall.EACCES, Terminate},
		{"connection refused", syscall.ECONNREFUSED, Terminate},
		{"address in use", syscall.EADDRINUSE, Terminate},
		{"address not available", syscall.EADDRNOTAVAIL, Terminate},
		{"not supported", syscall.ENOTSUP, Terminate},
		{"out of memory", syscall.ENOMEM, Terminate},
		{"interrupted", syscall.EINTR, Continue},
		{"would block", syscall.EWOULDBLOCK, Continue},
		{"eof", io.EOF, Continue},
		{"unclassified", errors.New("boom"), Continue},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifyTotality(t *testing.T) {
	// The classifier must always resolve to exactly one of the two
	// defined outcomes, never panic or return a third state.
	for _, err := range []error{nil, io.ErrClosedPipe, syscall.ECONNREFUSED, errors.New("x")} {
		got := Classify(err)
		require.True(t, got == Continue || got == Terminate)
	}
}

func TestIsConnectionRefused(t *testing.T) {
	require.True(t, IsConnectionRefused(syscall.ECONNREFUSED))
	require.False(t, IsConnectionRefused(syscall.EACCES))
	require.False(t, IsConnectionRefused(nil))
}
