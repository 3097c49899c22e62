package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"

	"imagery-gateway/internal/client"
	"imagery-gateway/internal/config"
	"imagery-gateway/internal/geobuf"
	"imagery-gateway/internal/model"
)

const userAgent = "imagery-gateway/1.0"

// errorBodyLimit caps how much of a non-2xx upstream body is decoded.
const errorBodyLimit = 1 << 20

// json decodes upstream error documents; numbers stay exact on re-encode.
var json = jsoniter.Config{
	EscapeHTML: true,
	UseNumber:  true,
}.Froze()

// SearchService fetches scene pages from the upstream catalog.
type SearchService struct {
	client   *client.UpstreamClient
	logger   *slog.Logger
	baseURL  *url.URL
	timeout  time.Duration
	maxBytes int64
}

// NewSearchService creates a SearchService.
func NewSearchService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*SearchService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &SearchService{
		client:   c,
		logger:   logger.With("component", "search_service"),
		baseURL:  u,
		timeout:  time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		maxBytes: cfg.Upstream.MaxPageBytes(),
	}, nil
}

// Search fetches one page of scenes for q on behalf of cred. The credential
// is used for this call only.
//
// A non-2xx answer is returned as *ResponseError; every other failure as
// *TransportError. Nothing is retried.
func (s *SearchService) Search(ctx context.Context, cred model.Credential, q model.SceneQuery) (*model.Page, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	header := make(http.Header)
	header.Set("Authorization", cred.Authorization())
	header.Set("Accept", "application/json")
	header.Set("Accept-Encoding", "gzip")
	header.Set("User-Agent", userAgent)

	target := s.searchURL(q)
	s.logger.Debug("scene search",
		"type", q.Type(),
		"binary", q.Binary,
		"credential", cred.Redacted(),
	)

	resp, err := s.client.DoStream(ctx, http.MethodGet, target, header, nil)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, s.responseError(resp)
	}

	raw, err := s.readPage(resp)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	page, err := buildPage(raw, q.Binary)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return page, nil
}

// searchURL renders {base}/v0/scenes/{type}/ with every parameter except
// type and format.
func (s *SearchService) searchURL(q model.SceneQuery) string {
	sceneType := q.Type()
	if sceneType == "" {
		sceneType = DefaultSceneType
	}

	params := make(url.Values, len(q.Params))
	for k, v := range q.Params {
		if k == "type" || k == "format" {
			continue
		}
		params[k] = v
	}

	u := *s.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v0/scenes/" + sceneType + "/"
	u.RawPath = ""
	u.RawQuery = params.Encode()
	return u.String()
}

func (s *SearchService) readPage(resp *model.ProxyResponse) ([]byte, error) {
	body, err := decodedBody(resp)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	limit := s.maxBytes
	if limit <= 0 {
		return readAll(body)
	}
	raw, err := readAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w: read more than %d bytes", ErrPageTooLarge, limit)
	}
	return raw, nil
}

// responseError captures a non-2xx answer. A body that is not JSON (or cannot
// be read) is dropped; status and headers are still relayed.
func (s *SearchService) responseError(resp *model.ProxyResponse) *ResponseError {
	rerr := &ResponseError{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}

	body, err := decodedBody(resp)
	if err != nil {
		s.logger.Warn("undecodable upstream error body", "status", resp.StatusCode, "error", err)
		return rerr
	}
	defer func() { _ = body.Close() }()

	raw, err := readAll(io.LimitReader(body, errorBodyLimit))
	if err != nil || len(raw) == 0 {
		return rerr
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Debug("upstream error body is not JSON", "status", resp.StatusCode)
		return rerr
	}
	rerr.Body = doc
	return rerr
}

// buildPage extracts pagination links and encodes the payload.
func buildPage(raw []byte, binary bool) (*model.Page, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedPage)
	}

	page := &model.Page{
		NextLink: gjson.GetBytes(raw, "_links.next").String(),
		PrevLink: gjson.GetBytes(raw, "_links.prev").String(),
		Data:     raw,
	}

	if binary {
		data, err := geobuf.Encode(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPage, err)
		}
		page.Data = data
	}
	return page, nil
}

// decodedBody returns the upstream body with any gzip content-encoding removed.
func decodedBody(resp *model.ProxyResponse) (io.ReadCloser, error) {
	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "gzip") {
		return io.NopCloser(resp.Body), nil
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.NopCloser(strings.NewReader("")), nil
		}
		return nil, fmt.Errorf("%w: gzip: %w", ErrMalformedPage, err)
	}
	return zr, nil
}

func readAll(r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(r)
	switch {
	case err == nil:
		return raw, nil
	case errors.Is(err, gzip.ErrChecksum), errors.Is(err, gzip.ErrHeader):
		return nil, fmt.Errorf("%w: gzip: %w", ErrMalformedPage, err)
	default:
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
}
