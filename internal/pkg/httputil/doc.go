// Package httputil provides shared HTTP response/request utilities for
// the gateway's handlers.
//
// Handlers use these helpers instead of writing raw http.ResponseWriter
// calls so that JSON formatting, error envelopes, and throttling
// headers stay consistent across endpoints.
package httputil
