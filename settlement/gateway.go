package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/warp/consultation-engine/ledger"
)

// InitiateRequest is what the gateway needs to start a charge.
type InitiateRequest struct {
	Amount         ledger.Amount
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// Gateway starts charges with an external payment provider. Confirmation
// arrives later through a callback. Transient failures wrap
// ErrGatewayTransient.
type Gateway interface {
	Initiate(ctx context.Context, req InitiateRequest) (ref string, err error)
}

// Callback is a gateway's asynchronous result for a charge.
type Callback struct {
	GatewayRef string
	PaymentID  string // optional; lets a callback win the race with RecordGatewayRef
	Success    bool
	Reason     string
	Raw        []byte
}

// Sandbox is an in-process gateway for development. It returns a stable
// reference per idempotency key.
type Sandbox struct {
	mu   sync.Mutex
	refs map[string]string
}

func NewSandbox() *Sandbox {
	return &Sandbox{refs: make(map[string]string)}
}

func (g *Sandbox) Initiate(ctx context.Context, req InitiateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayTransient, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ref, ok := g.refs[req.IdempotencyKey]; ok {
		return ref, nil
	}
	ref := "sbx_" + uuid.NewString()
	g.refs[req.IdempotencyKey] = ref
	return ref, nil
}
