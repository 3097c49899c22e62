package service

import (
	"net/url"
	"strings"

	"imagery-gateway/internal/model"
)

// FormatGeobuf is the format parameter value that selects the scene-search route.
const FormatGeobuf = "geobuf"

// DefaultSceneType is used when the request path carries no resource type.
const DefaultSceneType = "ortho"

// NormalizeSceneQuery builds the search query for a scene request. The
// resource type is the path segment after /v0/scenes/; every query parameter
// is copied verbatim and the client's own "type" parameter, if any, is
// replaced.
func NormalizeSceneQuery(path string, query url.Values) model.SceneQuery {
	params := make(url.Values, len(query)+1)
	for k, v := range query {
		params[k] = append([]string(nil), v...)
	}

	var sceneType string
	if segs := strings.Split(path, "/"); len(segs) > 3 {
		sceneType = segs[3]
	}
	params.Set("type", sceneType)

	return model.SceneQuery{
		Params: params,
		Binary: query.Get("format") == FormatGeobuf,
	}
}
