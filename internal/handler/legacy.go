package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"inference-proxy/internal/config"
	"inference-proxy/internal/model"
)

// isoMillis matches the millisecond UTC timestamps legacy clients expect.
const isoMillis = "2006-01-02T15:04:05.000Z"

const chatCompletionsPath = "/v1/chat/completions"

// LegacyHandler translates the legacy /api/infer shape to chat completions.
type LegacyHandler struct {
	proxy *ProxyHandler
	model config.ModelConfig
	now   func() time.Time
}

// NewLegacyHandler creates a LegacyHandler.
func NewLegacyHandler(proxy *ProxyHandler, cfg *config.Config) *LegacyHandler {
	return &LegacyHandler{proxy: proxy, model: cfg.Model, now: time.Now}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream"`
}

type inferResponse struct {
	Input     string `json:"input"`
	Result    string `json:"result"`
	Timestamp string `json:"timestamp"`
	Model     string `json:"model"`
}

// Infer accepts {"data": "..."} and answers {input, result, timestamp, model}.
func (h *LegacyHandler) Infer(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}

	data := gjson.GetBytes(raw, "data")
	if !gjson.ValidBytes(raw) || data.Type != gjson.String {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": `request body must be a JSON object with a string "data" field`,
			"path":  c.Request().URL.Path,
		})
	}

	body, err := json.Marshal(chatRequest{
		Model:     h.model.ID,
		Messages:  []chatMessage{{Role: "user", Content: data.String()}},
		MaxTokens: h.model.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("encode chat request: %w", err)
	}

	// The client's Content-Type described its own body, not the one sent here.
	header := c.Request().Header.Clone()
	header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	return h.proxy.Forward(c, chatCompletionsPath, header, body, h.unwrap(data.String()))
}

// unwrap returns a transform that reshapes a chat completion into the legacy
// response. Upstream error bodies pass through untouched.
func (h *LegacyHandler) unwrap(input string) model.TransformFunc {
	return func(body []byte) ([]byte, error) {
		if gjson.GetBytes(body, "error").Exists() {
			return body, nil
		}

		content := gjson.GetBytes(body, "choices.0.message.content")
		if !content.Exists() {
			return nil, errors.New("upstream chat response has no choices[0].message.content")
		}

		modelID := gjson.GetBytes(body, "model").String()
		if modelID == "" {
			modelID = h.model.ID
		}

		return json.Marshal(inferResponse{
			Input:     input,
			Result:    content.String(),
			Timestamp: h.now().UTC().Format(isoMillis),
			Model:     modelID,
		})
	}
}
