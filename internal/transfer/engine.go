package transfer

import (
	"context"

	"github.com/italolelis/batch_downloader/internal/batch"
)

// Endpoint is the execution context a transfer engine runs in. Work started by
// the engine stops when the endpoint's context is done.
type Endpoint interface {
	Context() context.Context
}

type contextEndpoint struct {
	ctx context.Context
}

func (e contextEndpoint) Context() context.Context {
	return e.ctx
}

// ContextEndpoint binds the engine to ctx.
func ContextEndpoint(ctx context.Context) Endpoint {
	return contextEndpoint{ctx: ctx}
}

// Engine performs the network transfer of delegated batches.
type Engine interface {
	BindEndpoint(ep Endpoint)

	// Download begins or resumes the transfer of b and returns without waiting
	// for it. all is the orchestrator's view of its other batches at hand-off
	// and must not be modified.
	Download(b *batch.Batch, all batch.Batches) error
}
