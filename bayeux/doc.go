// Package bayeux defines the wire envelopes and channel naming rules of the
// Bayeux publish/subscribe protocol as spoken by the cometd endpoint.
//
// Clients send a JSON array of Message values; the server answers with a JSON
// array of Response values. Channels are slash separated hierarchies such as
// /meta/connect or /slim/serverstatus/00:04:20:12:34:56. Subscriptions may use
// wildcard segments:
//
//	/foo/*   matches /foo/bar but not /foo/bar/baz
//	/foo/**  matches /foo/bar and /foo/bar/baz
//
// Protocol failures are reported as envelopes with Successful set to false and
// optional Advice telling the client whether to retry or re-handshake.
package bayeux
