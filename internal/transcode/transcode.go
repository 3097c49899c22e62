// Package transcode turns a fetched scene page into the bytes and headers
// sent to the client.
package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"imagery-gateway/internal/cors"
	"imagery-gateway/internal/model"
)

// ErrTranscode is returned when the page payload cannot be compressed.
var ErrTranscode = errors.New("transcode: compress payload")

// ContentType is the media type of every scene page.
const ContentType = "application/octet-stream"

// EncodingGzip and EncodingIdentity name the two supported content encodings.
const (
	EncodingGzip     = "gzip"
	EncodingIdentity = "identity"
)

// Result is a fully prepared scene response.
type Result struct {
	Header   http.Header
	Body     []byte
	Encoding string
}

// Encode builds the response for page. The payload is gzip-compressed only when
// acceptEncoding lists gzip.
func Encode(page *model.Page, acceptEncoding string) (*Result, error) {
	return encode(page, acceptEncoding, gzip.DefaultCompression)
}

func encode(page *model.Page, acceptEncoding string, level int) (*Result, error) {
	h := make(http.Header)
	h.Set("Content-Type", ContentType)
	h.Set(cors.LinksHeader, LinkHeader(page))

	if !AcceptsGzip(acceptEncoding) {
		h.Set("Content-Length", strconv.Itoa(len(page.Data)))
		return &Result{Header: h, Body: page.Data, Encoding: EncodingIdentity}, nil
	}

	body, err := compress(page.Data, level)
	if err != nil {
		return nil, err
	}
	h.Set("Content-Encoding", EncodingGzip)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &Result{Header: h, Body: body, Encoding: EncodingGzip}, nil
}

func compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscode, err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscode, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscode, err)
	}
	return buf.Bytes(), nil
}

// LinkHeader renders the pagination links of page, next before prev. A page
// without links yields an empty string.
func LinkHeader(page *model.Page) string {
	links := make([]string, 0, 2)
	if page.NextLink != "" {
		links = append(links, "<"+page.NextLink+`>; rel="next"`)
	}
	if page.PrevLink != "" {
		links = append(links, "<"+page.PrevLink+`>; rel="prev"`)
	}
	return strings.Join(links, ", ")
}

// AcceptsGzip reports whether an Accept-Encoding value lists the gzip token
// with a non-zero quality. Tokens are matched whole, so "x-gzip" or
// "gzipped" do not count.
func AcceptsGzip(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		token, params, _ := strings.Cut(part, ";")
		if !strings.EqualFold(strings.TrimSpace(token), EncodingGzip) {
			continue
		}
		return !zeroQuality(params)
	}
	return false
}

func zeroQuality(params string) bool {
	for _, p := range strings.Split(params, ";") {
		name, val, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return err == nil && q == 0
	}
	return false
}
