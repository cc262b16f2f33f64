package live

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/safetrail/client/internal/backoff"
)

// TokenAPI is the slice of the server API the registrar needs.
type TokenAPI interface {
	RegisterDeliveryToken(ctx context.Context, tripID, token string) error
	UnregisterDeliveryToken(ctx context.Context, tripID string) error
}

// registration is one queued delivery-token registration.
type registration struct {
	tripID string
	token  string
}

// Registrar registers rotating delivery tokens with the server. Tokens enter
// through Enqueue (never blocking the OS token stream), are deduplicated
// against the last token seen per trip, and are drained strictly FIFO by a
// single worker. The worker only advances past a token once registration
// succeeds or its retry budget is exhausted.
type Registrar struct {
	api    TokenAPI
	policy backoff.Policy

	mu        sync.Mutex
	queue     []registration
	lastToken map[string]string
	wake      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistrar creates a token registrar. Call Run in a goroutine.
func NewRegistrar(api TokenAPI) *Registrar {
	ctx, cancel := context.WithCancel(context.Background())

	return &Registrar{
		api: api,
		policy: backoff.Policy{
			Base:        time.Second,
			Factor:      2,
			MaxAttempts: 3,
		},
		lastToken: make(map[string]string),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Enqueue queues a token for registration. Identical consecutive tokens for
// the same trip are dropped.
func (r *Registrar) Enqueue(tripID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastToken[tripID] == token {
		return
	}
	r.lastToken[tripID] = token
	r.queue = append(r.queue, registration{tripID: tripID, token: token})

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Forget drops the dedup state for a trip, so a later session for the same
// trip registers its token even if the OS reissues the same value.
func (r *Registrar) Forget(tripID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastToken, tripID)
}

// Depth returns the number of queued registrations.
func (r *Registrar) Depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Run drains the registration queue until Stop is called. This should be
// called in a goroutine.
func (r *Registrar) Run() {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}

		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			reg := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()

			r.register(reg)
		}
	}
}

// Stop cancels the worker without waiting for in-flight retries.
func (r *Registrar) Stop() {
	r.cancel()
	<-r.done
}

func (r *Registrar) register(reg registration) {
	err := r.policy.Retry(r.ctx, func(ctx context.Context) error {
		return r.api.RegisterDeliveryToken(ctx, reg.tripID, reg.token)
	})
	if err != nil {
		// Exhausted retries: move on so the stream is never blocked. A new
		// token will rotate in eventually.
		log.Printf("Failed to register delivery token for trip %s: %v", reg.tripID, err)
	}
}
