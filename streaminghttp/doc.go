// Package streaminghttp implements the cometd HTTP transport. It mounts as a
// standard net/http handler and feeds each request's message batch to an
// engine.Engine.
//
// # Reading Batches
//
// A POST with an application/json body carries the batch as the body. Any
// other request is parsed as a form and the batch is read from the message
// parameter, so GET /cometd?message=[...] works as well.
//
// # Responses
//
// Long-polling replies are written whole with a Content-Length. When the
// batch binds the request as the client's stream, the first reply is written
// as the first chunk and the response stays open. Every event the engine
// offers afterwards is written as a further single element batch. The stream
// ends when the engine replaces or closes it, or when the client goes away;
// either way the engine is told the connection was lost, and events that
// were accepted but never written return to the client's queue.
//
// Example (mount in net/http):
//
//	eng := engine.NewEngine(memoryhost.New(), registry)
//	h, err := streaminghttp.New(eng, streaminghttp.WithKeepAlive(15*time.Second))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mux := http.NewServeMux()
//	mux.Handle("/cometd", h)
//	http.ListenAndServe(":9000", mux)
package streaminghttp
