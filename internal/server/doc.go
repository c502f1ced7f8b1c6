// Package server exposes a single engine instance over HTTP.
//
// The server is a thin transport layer over internal/session: handlers
// decode requests, call the session.Service, and encode the result. The
// only endpoint categories are:
//
//   - /path, /project/*: instance and project metadata
//   - /session/*: session CRUD, fork/children, revert/unrevert, share/unshare
//   - /session/{id}/prompt: runs one turn against a session and returns the
//     resulting assistant message; progress is observed over /event, not the
//     HTTP response body
//   - /session/{id}/message, /session/{id}/message/{id}/part: durable history
//   - /session/{id}/permission/{id}: resolves a pending permission ask
//   - /event: a single unfiltered Server-Sent Events stream of the event bus
//   - /file, /find/files: read-only workspace file listing and search
//   - /instance/dispose: acknowledges instance teardown
//
// Everything else the underlying system supports (providers, MCP, LSP,
// client-registered tools, the TUI control surface) is out of this
// package's scope; it is configured and driven through internal/session
// and its collaborators directly.
package server
