package modelstream

import "context"

// ProviderAdapter translates between the unified chunk contract and one
// concrete provider protocol.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string

	// Stream sends the request and returns a channel of chunks. The channel
	// is closed after a ChunkDone or after an error chunk. Adapters must
	// respect ctx cancellation while producing.
	Stream(ctx context.Context, req Request) (<-chan StreamingChunk, error)
}

// Closer is implemented by adapters that hold releasable resources.
type Closer interface {
	Close() error
}
