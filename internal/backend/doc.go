// Package backend defines the execution strategies a task can be dispatched
// through (local process, direct remote command, batch scheduler CLI and
// batch scheduler web API) together with the pure classification that picks
// one of them for a task.
package backend
