package handler

import (
	"github.com/tidwall/sjson"

	"inference-proxy/internal/model"
)

// InjectVersion returns a transform that adds the proxy's version to a JSON object.
func InjectVersion(v Version) model.TransformFunc {
	return func(body []byte) ([]byte, error) {
		return sjson.SetBytes(body, "proxy_version", string(v))
	}
}
