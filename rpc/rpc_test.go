package rpc_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/studiolambda/cosmos/sync/rpc"
	"github.com/studiolambda/cosmos/sync/transport"
)

func TestCallResolvesWithHandlerResult(t *testing.T) {
	broker := transport.NewBroker()

	server := rpc.New(rpc.Options{Client: broker.NewClient()})
	client := rpc.New(rpc.Options{Client: broker.NewClient()})

	require.NoError(t, server.Register("/sq", func(args any) (any, error) {
		n, _ := args.(float64)

		return n * n, nil
	}))

	result := make(chan any, 1)

	require.NoError(t, client.Call("/sq", float64(5), func(value any, err error) {
		require.NoError(t, err)
		result <- value
	}))

	select {
	case value := <-result:
		require.Equal(t, float64(25), value)
	case <-time.After(time.Second):
		t.Fatal("call did not resolve")
	}
}

func TestCallFutureResolves(t *testing.T) {
	broker := transport.NewBroker()

	server := rpc.New(rpc.Options{Client: broker.NewClient()})
	client := rpc.New(rpc.Options{Client: broker.NewClient()})

	require.NoError(t, server.Register("/double", func(args any) (any, error) {
		n, _ := args.(float64)

		return n * 2, nil
	}))

	future, err := client.CallFuture("/double", float64(21))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	value, err := future.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, float64(42), value)
}

func TestHandlerErrorSendsNoResponse(t *testing.T) {
	broker := transport.NewBroker()

	server := rpc.New(rpc.Options{Client: broker.NewClient()})
	client := rpc.New(rpc.Options{Client: broker.NewClient()})

	require.NoError(t, server.Register("/fail", func(args any) (any, error) {
		return nil, errors.New("boom")
	}))

	future, err := client.CallFuture("/fail", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = future.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEachCallGetsAUniqueCorrelationID(t *testing.T) {
	broker := transport.NewBroker()

	server := rpc.New(rpc.Options{Client: broker.NewClient()})
	client := rpc.New(rpc.Options{Client: broker.NewClient()})

	// Each request's handler runs on its own goroutine.
	var calls atomic.Int64

	require.NoError(t, server.Register("/count", func(args any) (any, error) {
		return calls.Add(1), nil
	}))

	results := make(chan any, 2)

	require.NoError(t, client.Call("/count", nil, func(value any, err error) { results <- value }))
	require.NoError(t, client.Call("/count", nil, func(value any, err error) { results <- value }))

	first := <-results
	second := <-results

	require.ElementsMatch(t, []any{float64(1), float64(2)}, []any{first, second})
}
