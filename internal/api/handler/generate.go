package handler

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	mw "github.com/kiranshivaraju/inferencehub/internal/api/middleware"
	"github.com/kiranshivaraju/inferencehub/internal/api/response"
	"github.com/kiranshivaraju/inferencehub/internal/inference"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
)

const maxPromptBytes = 64 << 10

// Generator defines the interface the generate handler depends on.
type Generator interface {
	Generate(ctx context.Context, req inference.PromptRequest) (*inference.GenerationResult, error)
}

type generateRequest struct {
	Prompt           string   `json:"prompt"`
	Model            string   `json:"model"`
	MaxTokens        int      `json:"max_tokens"`
	Temperature      *float64 `json:"temperature"`
	TopP             *float64 `json:"top_p"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	PresencePenalty  float64  `json:"presence_penalty"`
	Stop             []string `json:"stop"`
}

// NewGenerateHandler returns an http.HandlerFunc for POST /api/v1/generate.
func NewGenerateHandler(g Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPromptBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if strings.TrimSpace(req.Prompt) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "prompt is required", nil)
			return
		}
		if req.MaxTokens < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "max_tokens must not be negative", nil)
			return
		}
		if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "temperature must be between 0 and 2", nil)
			return
		}
		if req.TopP != nil && (*req.TopP <= 0 || *req.TopP > 1) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "top_p must be in (0, 1]", nil)
			return
		}

		pr := inference.PromptRequest{
			Prompt:           req.Prompt,
			Model:            req.Model,
			MaxTokens:        req.MaxTokens,
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			FrequencyPenalty: req.FrequencyPenalty,
			PresencePenalty:  req.PresencePenalty,
			Stop:             req.Stop,
			Source:           models.QuerySourceAPI,
			ClientIP:         clientIP(r),
		}
		if userID, ok := mw.GetUserID(r); ok {
			pr.UserID = &userID
		}

		result, err := g.Generate(r.Context(), pr)
		if err != nil {
			writeGenerateError(w, result, err)
			return
		}

		response.JSON(w, result)
	}
}

var generateErrors = []response.ErrorRule{
	{Target: inference.ErrInvalidRequest, Status: http.StatusBadRequest, Code: "INVALID_REQUEST"},
	{Target: inference.ErrModelNotFound, Status: http.StatusNotFound, Code: "MODEL_NOT_FOUND", Message: "The requested model is not available"},
	{Target: inference.ErrNoBackendAvailable, Status: http.StatusServiceUnavailable, Code: "NO_BACKEND_AVAILABLE", Message: "No suitable server available"},
	{Target: inference.ErrTimeout, Status: http.StatusGatewayTimeout, Code: "BACKEND_TIMEOUT", Message: "Generation took too long and was cancelled"},
	{Target: inference.ErrBackend, Status: http.StatusBadGateway, Code: "BACKEND_ERROR", Message: "The backend failed to generate a response"},
}

func writeGenerateError(w http.ResponseWriter, result *inference.GenerationResult, err error) {
	var details map[string]any
	if result != nil {
		details = map[string]any{"query_id": result.QueryID}
	}
	response.FromError(w, "generate", err, generateErrors, details)
}

// clientIP prefers the address chi's RealIP middleware placed in RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
