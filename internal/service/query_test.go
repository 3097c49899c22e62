package service

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSceneQuery(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		query      string
		wantType   string
		wantBinary bool
		wantParams url.Values
	}{
		{
			name:       "ortho geobuf",
			path:       "/v0/scenes/ortho",
			query:      "format=geobuf&count=10",
			wantType:   "ortho",
			wantBinary: true,
			wantParams: url.Values{"format": {"geobuf"}, "count": {"10"}, "type": {"ortho"}},
		},
		{
			name:       "trailing slash",
			path:       "/v0/scenes/landsat/",
			query:      "format=geobuf",
			wantType:   "landsat",
			wantBinary: true,
			wantParams: url.Values{"format": {"geobuf"}, "type": {"landsat"}},
		},
		{
			name:       "client type is replaced",
			path:       "/v0/scenes/rapideye",
			query:      "type=ortho&format=geobuf",
			wantType:   "rapideye",
			wantBinary: true,
			wantParams: url.Values{"format": {"geobuf"}, "type": {"rapideye"}},
		},
		{
			name:       "empty type segment",
			path:       "/v0/scenes/",
			query:      "format=geobuf",
			wantType:   "",
			wantBinary: true,
			wantParams: url.Values{"format": {"geobuf"}, "type": {""}},
		},
		{
			name:       "repeated parameters kept",
			path:       "/v0/scenes/ortho",
			query:      "format=geobuf&intersects=a&intersects=b",
			wantType:   "ortho",
			wantBinary: true,
			wantParams: url.Values{"format": {"geobuf"}, "intersects": {"a", "b"}, "type": {"ortho"}},
		},
		{
			name:       "other format",
			path:       "/v0/scenes/ortho",
			query:      "format=json",
			wantType:   "ortho",
			wantBinary: false,
			wantParams: url.Values{"format": {"json"}, "type": {"ortho"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, err := url.ParseQuery(tt.query)
			assert.NoError(t, err)

			q := NormalizeSceneQuery(tt.path, query)

			assert.Equal(t, tt.wantType, q.Type())
			assert.Equal(t, tt.wantBinary, q.Binary)
			assert.Equal(t, tt.wantParams, q.Params)
		})
	}
}

func TestNormalizeSceneQuery_DoesNotAliasInput(t *testing.T) {
	query := url.Values{"count": {"1"}}

	q := NormalizeSceneQuery("/v0/scenes/ortho", query)
	q.Params["count"][0] = "2"

	assert.Equal(t, "1", query.Get("count"))
	assert.False(t, query.Has("type"))
}
