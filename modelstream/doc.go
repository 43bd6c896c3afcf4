// Package modelstream defines the provider-neutral streaming contract used by
// the agent core: the append-only Message/ContentBlock data model, the
// StreamingChunk unit arriving from a provider, the provider adapter
// interface, a client with middleware and retry, and a typed error taxonomy.
//
// The package deliberately knows nothing about tool execution or the agent
// loop. Adapters translate a concrete provider's wire protocol (Anthropic
// messages API, OpenAI chat completions, or a gollm-backed backend) into the
// chunk stream; everything above this package consumes only StreamingChunk.
package modelstream
