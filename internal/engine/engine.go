// Package engine defines the contract the rest of the bot holds against the
// download engine. The aria2 package provides the real implementation; tests
// substitute fakes.
package engine

import (
	"context"
	"errors"
	"fmt"

	"example.com/aria2bot/internal/domain"
)

// Client is the remote download engine.
type Client interface {
	// AddURIs submits http(s) or magnet links and returns one GID per link.
	AddURIs(ctx context.Context, uris []string, dir string) ([]string, error)
	// AddTorrent submits raw .torrent file contents.
	AddTorrent(ctx context.Context, torrent []byte, dir string) (string, error)
	// List returns every task the engine knows about: active, waiting and
	// stopped.
	List(ctx context.Context) ([]domain.Task, error)
	TellStatus(ctx context.Context, gid string) (domain.Task, error)
	Pause(ctx context.Context, gid string) error
	Resume(ctx context.Context, gid string) error
	Remove(ctx context.Context, gid string) error
	// PurgeCompleted clears completed/error/removed results from the engine.
	PurgeCompleted(ctx context.Context) error
}

// CallError is an engine-level rejection: the RPC round trip succeeded but
// the engine refused the operation. It is never retried.
type CallError struct {
	Code    int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("engine rejected call (code %d): %s", e.Code, e.Message)
}

// IsNotFound reports that the engine no longer knows the GID. aria2 signals
// this with code 1 and a GID mention in the message; there is no dedicated
// code, so the check stays string-free.
func (e *CallError) IsNotFound() bool {
	return e.Code == 1
}

// IsTransient reports whether err is a transport-level fault (timeout,
// connection error) worth retrying, as opposed to an engine rejection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *CallError
	return !errors.As(err, &ce)
}
