// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded upstream verbatim.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawPath       string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// SceneQuery is a normalized scene search handed to the search service.
type SceneQuery struct {
	// Params holds every client query parameter plus the resource "type".
	Params url.Values
	// Binary requests the compact binary (geobuf) encoding of the page.
	Binary bool
}

// Type returns the scene resource type of the query.
func (q SceneQuery) Type() string {
	return q.Params.Get("type")
}

// Page is one fetched batch of search results. It is never modified after
// the search service returns it.
type Page struct {
	Data     []byte
	NextLink string
	PrevLink string
}
