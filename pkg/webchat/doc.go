// Package webchat is the HTTP boundary of the relay.
//
// A Router mounts the JSON session API and the SSE chat endpoint on a
// ServeMux wrapped in CORS handling. Chat turns are streamed as
// `data: <json>\n\n` frames and always end with a done frame.
//
// Every event a turn emits is also published on the session topic through a
// StreamBackend (in memory or Redis Streams). The StreamHub lets websocket
// clients watch a session's events as they are published, independently of
// the client that started the turn.
//
// Server ties the router, the session eviction loop and the profiles watcher
// to one lifecycle.
package webchat
