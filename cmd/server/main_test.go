package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStopper struct {
	err   error
	calls *[]string
	name  string
}

func (f fakeStopper) Shutdown(context.Context) error {
	*f.calls = append(*f.calls, f.name)
	return f.err
}

func TestDrain_StopsBackgroundAfterServer(t *testing.T) {
	var calls []string
	err := drain(context.Background(),
		fakeStopper{name: "server", calls: &calls},
		fakeStopper{name: "bg", calls: &calls})

	require.NoError(t, err)
	assert.Equal(t, []string{"server", "bg"}, calls)
}

func TestDrain_ServerTimeoutStillStopsBackground(t *testing.T) {
	var calls []string
	err := drain(context.Background(),
		fakeStopper{name: "server", calls: &calls, err: context.DeadlineExceeded},
		fakeStopper{name: "bg", calls: &calls})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"server", "bg"}, calls)
}

func TestDrain_BackgroundErrorIsLoggedOnly(t *testing.T) {
	var calls []string
	err := drain(context.Background(),
		fakeStopper{name: "server", calls: &calls},
		fakeStopper{name: "bg", calls: &calls, err: errors.New("redis: closed")})

	assert.NoError(t, err)
	assert.Equal(t, []string{"server", "bg"}, calls)
}
