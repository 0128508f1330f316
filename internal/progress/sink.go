package progress

import "context"

// Sink receives batches of scan events in emission order. A batch may mix
// sessions. Consume is called from the hub goroutine only, with a context
// bounded by Config.SinkTimeout; Close is called once when the hub shuts down.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the side of the hub the scanner sees.
type Emitter interface {
	Emit(evt Event)
}
