package syncer

import (
	"context"
	"sync/atomic"

	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

// Gate wraps a Transport with a connectivity switch. While offline every
// call fails as transient without touching the network.
type Gate struct {
	next    Transport
	offline atomic.Bool
}

// NewGate creates an online gate in front of t.
func NewGate(t Transport) *Gate {
	return &Gate{next: t}
}

// SetOnline switches connectivity and reports whether this was an
// offline → online transition.
func (g *Gate) SetOnline(online bool) bool {
	wasOffline := g.offline.Swap(!online)
	return wasOffline && online
}

// Online reports the current connectivity.
func (g *Gate) Online() bool { return !g.offline.Load() }

func (g *Gate) check() error {
	if g.offline.Load() {
		return wire.Errorf(wire.CodeTransient, "offline")
	}
	return nil
}

func (g *Gate) Pull(ctx context.Context, token string, req wire.PullRequest) (wire.PullResponse, error) {
	if err := g.check(); err != nil {
		return wire.PullResponse{}, err
	}
	return g.next.Pull(ctx, token, req)
}

func (g *Gate) PushWorkout(ctx context.Context, token string, req wire.CompleteRequest) (wire.CompleteResponse, error) {
	if err := g.check(); err != nil {
		return wire.CompleteResponse{}, err
	}
	return g.next.PushWorkout(ctx, token, req)
}

func (g *Gate) PushTemplate(ctx context.Context, token string, t workout.Template, create bool) (wire.TemplateResponse, error) {
	if err := g.check(); err != nil {
		return wire.TemplateResponse{}, err
	}
	return g.next.PushTemplate(ctx, token, t, create)
}
