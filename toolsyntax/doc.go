// Package toolsyntax implements the streaming tool-invocation parser.
//
// A Parser instance lives for one in-flight assistant turn. It consumes raw
// provider chunks and produces two outputs: an incremental stream of display
// fragments for observers, and (at finalization) at most one structured
// ToolRequest. Three interchangeable syntaxes share the contract:
//
//   - SyntaxNative: the provider already emits structured tool-call deltas.
//   - SyntaxTagged: tag-delimited blocks (<tool name="...">...</tool>).
//   - SyntaxFenced: fenced blocks (```tool NAME ... ```).
//
// All variants enforce the single-tool-per-message invariant: a second
// tool-start marker is a graceful termination signal (ErrToolLimit), never an
// error, and a block left unterminated at end of stream is discarded whole.
package toolsyntax
