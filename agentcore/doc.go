// Package agentcore drives the agent execution loop: it sends the active
// history slice to a model provider, streams the reply through a tool-syntax
// parser, dispatches the resulting tool request (possibly fanning out into
// concurrent sub-agents), folds results back into the append-only history, and
// compacts the conversation when it approaches the context window budget.
//
// A Loop owns its history exclusively. Observers see progress only through a
// one-way event channel; nothing they do can mutate loop state.
package agentcore
