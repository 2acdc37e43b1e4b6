// Package httpclient provides a shared HTTP client with retry, SSE streaming,
// WebSocket support, and typed JSON helpers used by providers without dedicated
// Go SDKs.
//
// This is an internal package and is not part of the public API. It exists
// for concrete SpeechProvider implementations — none ship in this module,
// since speech vendor integration is left to the operator — to use when
// talking to a vendor's REST or WebSocket API, instead of each
// implementation hand-rolling retry and backoff.
//
// # Client
//
// The [Client] type wraps net/http.Client with automatic retry on 429/503
// status codes, exponential backoff with jitter, and default headers
// (including bearer token authentication). A transport-level error from the
// request itself (refused or reset connection, EOF) is returned at once and
// is not retried. Configuration uses the functional options pattern:
//
//	c := httpclient.New(
//	    httpclient.WithBaseURL("https://api.example.com/v1"),
//	    httpclient.WithBearerToken(apiKey),
//	    httpclient.WithRetries(3),
//	    httpclient.WithTimeout(30 * time.Second),
//	)
//
// # Typed JSON Requests
//
// The [DoJSON] generic function sends an HTTP request with a JSON body and
// decodes the JSON response into the specified type. It handles retries
// transparently:
//
//	type Response struct { Result string `json:"result"` }
//	resp, err := httpclient.DoJSON[Response](ctx, client, "POST", "/chat", reqBody)
//
// # Server-Sent Events
//
// The [StreamSSE] function opens an SSE connection with a GET request and
// returns an iter.Seq2[SSEEvent, error] iterator that yields parsed SSE
// events. There is no variant that sends a request body:
//
//	for event, err := range httpclient.StreamSSE(ctx, client, "/events") {
//	    if err != nil { break }
//	    // handle event.Data
//	}
//
// # WebSocket
//
// The [WSConn] type wraps a WebSocket connection with typed JSON read/write
// helpers for talking to a vendor's real-time API:
//
//	ws, err := httpclient.DialWS(ctx, "wss://api.example.com/ws", nil)
//	if err != nil { return err }
//	defer ws.Close()
//	err = ws.WriteJSON(ctx, request)
//
// # Error Handling
//
// API errors are returned as [*APIError] with the HTTP status code and
// response body. The client automatically parses JSON error bodies to extract
// human-readable error messages.
package httpclient
