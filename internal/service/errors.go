package service

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel causes carried inside a TransportError.
var (
	ErrPageTooLarge  = errors.New("scene page exceeds upstream.max_page_size")
	ErrMalformedPage = errors.New("upstream returned a malformed scene page")
)

// UpstreamError is the failure of a scene search. It is either a
// *ResponseError (the upstream answered with a non-2xx status) or a
// *TransportError (no usable response arrived).
type UpstreamError interface {
	error
	upstreamError()
}

// ResponseError reports a non-2xx upstream answer. Body holds the decoded JSON
// document when the upstream sent one, and is nil otherwise.
type ResponseError struct {
	StatusCode int
	Header     http.Header
	Body       any
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("upstream responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (*ResponseError) upstreamError() {}

// TransportError reports a failure with no attached response: dial, TLS,
// timeout, body read, an oversized page or an undecodable payload.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "upstream transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func (*TransportError) upstreamError() {}
