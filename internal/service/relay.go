package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"inference-proxy/internal/client"
	"inference-proxy/internal/model"
)

// ErrMalformedUpstreamBody is returned when a buffered upstream body is not JSON.
var ErrMalformedUpstreamBody = errors.New("malformed upstream body")

// streamBufferSize bounds a single read from the upstream body.
const streamBufferSize = 32 * 1024

// FlushWriter is a response writer that can push buffered bytes to the client.
type FlushWriter interface {
	io.Writer
	http.Flusher
}

// Stream copies src to dst chunk by chunk, flushing after every write so each
// chunk reaches the client in arrival order. The next read waits for the
// previous write, so a slow client throttles the upstream.
func Stream(dst FlushWriter, src io.Reader) (int64, error) {
	buf := make([]byte, streamBufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, fmt.Errorf("write to client: %w", werr)
			}
			dst.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read upstream body: %w", client.Classify(rerr))
		}
	}
}

// Buffer reads the whole upstream body, checks that it is JSON and applies
// transform when one is given. An empty body returns nil without parsing.
func Buffer(body io.Reader, transform model.TransformFunc) ([]byte, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", client.Classify(err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: %d bytes are not valid JSON", ErrMalformedUpstreamBody, len(data))
	}
	if transform == nil {
		return data, nil
	}

	out, err := transform(data)
	if err != nil {
		return nil, fmt.Errorf("transform upstream body: %w", err)
	}
	if !gjson.ValidBytes(out) {
		return nil, errors.New("transform upstream body: produced invalid JSON")
	}
	return out, nil
}
