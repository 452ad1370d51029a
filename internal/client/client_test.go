package client_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omochice/peer-signal-relay/internal/client"
)

func TestDial_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := client.Dial(context.Background(), 5, zaptest.NewLogger(t), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDial_GivesUp(t *testing.T) {
	calls := 0
	dialErr := errors.New("connection refused")
	err := client.Dial(context.Background(), 2, nil, func() error {
		calls++
		return dialErr
	})

	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, 3, calls)
}

func TestDial_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := client.Dial(ctx, 5, nil, func() error {
		calls++
		return nil
	})

	assert.Error(t, err)
	assert.Zero(t, calls)
}
