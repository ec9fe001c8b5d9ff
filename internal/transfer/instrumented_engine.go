package transfer

import (
	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/telemetry"
)

// InstrumentedEngine wraps Engine with telemetry.
type InstrumentedEngine struct {
	engine    Engine
	telemetry *telemetry.Telemetry
}

func NewInstrumentedEngine(engine Engine, tel *telemetry.Telemetry) *InstrumentedEngine {
	return &InstrumentedEngine{engine: engine, telemetry: tel}
}

func (e *InstrumentedEngine) BindEndpoint(ep Endpoint) {
	e.engine.BindEndpoint(ep)
}

// Download hands b to the wrapped engine and counts the hand-off.
func (e *InstrumentedEngine) Download(b *batch.Batch, all batch.Batches) error {
	status := b.Status().Status.String()

	err := e.engine.Download(b, all)

	result := "success"
	if err != nil {
		result = "error"
	}

	e.telemetry.RecordDelegation(status, result)

	return err
}

// Halt forwards to the wrapped engine when it can halt transfers.
func (e *InstrumentedEngine) Halt(id batch.ID) {
	if h, ok := e.engine.(batch.Halter); ok {
		h.Halt(id)
	}
}
