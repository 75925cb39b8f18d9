// Package engine dispatches tasks to their execution strategy. It owns the
// executer registry, in which one bounded submission queue exists per
// (project, host, scheduler mode). Around execution it stages files through
// the transfer coordinator, persists every state change to the store and
// publishes task events to SSE subscribers.
package engine
