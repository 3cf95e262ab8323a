// Package backend provides the clients that answer one task payload, and the
// registry that resolves a backend id to a client.
//
// Every client translates its library-specific errors into *failure.Error at
// the call boundary, so the retry controller only ever sees the taxonomy.
package backend

import (
	"context"

	"github.com/ChuLiYu/querybatch/internal/failure"
	"github.com/ChuLiYu/querybatch/pkg/types"
)

// Backend answers one payload with one blocking call.
type Backend interface {
	Call(ctx context.Context, payload types.Payload) (string, error)
}

// Func adapts an ordinary function to Backend.
type Func func(ctx context.Context, payload types.Payload) (string, error)

// Call implements Backend.
func (f Func) Call(ctx context.Context, payload types.Payload) (string, error) {
	return f(ctx, payload)
}

// Echo returns the user message unchanged. Used for dry runs.
type Echo struct{}

// Call implements Backend.
func (Echo) Call(ctx context.Context, payload types.Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return payload.User, nil
}

// missingKey fails every call with an auth error so the first dispatch
// aborts the pool instead of burning retries.
type missingKey struct {
	id  string
	env string
}

func (m missingKey) Call(context.Context, types.Payload) (string, error) {
	return "", failure.New(failure.KindAuth, "backend "+m.id+": environment variable "+m.env+" is not set")
}
