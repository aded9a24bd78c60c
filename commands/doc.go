// Package commands provides an in-process command backend for the cometd
// engine. Commands are registered by name on a Registry and dispatched on the
// first argument of each request.
//
// Handlers are either synchronous (HandlerFunc) or deferred
// (AsyncHandlerFunc). A command executed with Subscribe set keeps its callback
// registered; Registry.Notify re-runs such commands and pushes the fresh
// result through the callback. The fswatch subpackage uses this to publish
// directory listings whenever a watched directory changes.
package commands
