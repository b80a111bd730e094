package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sandbox is a Gateway that settles on its own, for local runs.
type Sandbox struct {
	// Decline, when set, fails every session with this reason.
	Decline string
	// Unavailable makes OpenSession fail as if the gateway could not load.
	Unavailable bool
	Delay       time.Duration
}

func (Sandbox) Name() string { return "sandbox" }

func (s Sandbox) OpenSession(ctx context.Context, req SessionRequest, cb Callbacks) (Session, error) {
	if s.Unavailable {
		return Session{}, errors.New("sandbox gateway unavailable")
	}
	sess := Session{
		ID:        "sbx_" + uuid.NewString(),
		Reference: req.Reference,
		Provider:  s.Name(),
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		if s.Delay > 0 {
			time.Sleep(s.Delay)
		}
		if s.Decline != "" {
			if cb.OnFailed != nil {
				cb.OnFailed(detached, s.Decline)
			}
			return
		}
		if cb.OnAuthorized != nil {
			cb.OnAuthorized(detached, "sandbox_"+uuid.NewString())
		}
	}()
	return sess, nil
}
