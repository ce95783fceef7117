// Command mockserver runs a standalone OpenAI-compatible vLLM simulator.
// Pointing the gateway's REAL_VLLM_URL at it exercises real mode without a
// GPU: the chat, completion and model-list endpoints answer with
// deterministic payloads.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/S-Corkum/vllm-gateway/internal/models"
)

const servedModel = "Qwen/Qwen2.5-Coder-7B-Instruct"

// mockVLLM answers the OpenAI-compatible surface a vLLM deployment exposes.
type mockVLLM struct {
	model   string
	latency time.Duration
}

func newMockVLLM(model string, latency time.Duration) *mockVLLM {
	if model == "" {
		model = servedModel
	}
	return &mockVLLM{model: model, latency: latency}
}

func (m *mockVLLM) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logRequests)
	r.HandleFunc("/v1/models", m.listModels).Methods(http.MethodGet)
	r.HandleFunc("/v1/chat/completions", m.chatCompletions).Methods(http.MethodPost)
	r.HandleFunc("/v1/completions", m.completions).Methods(http.MethodPost)
	r.HandleFunc("/health", m.health).Methods(http.MethodGet)
	return r
}

// simulate applies the configured artificial inference latency.
func (m *mockVLLM) simulate() {
	if m.latency > 0 {
		time.Sleep(m.latency)
	}
}

func (m *mockVLLM) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.ModelList{
		Object: "list",
		Data: []models.ModelInfo{
			{ID: m.model, Object: "model", Created: time.Now().Unix(), OwnedBy: "vllm"},
		},
	})
}

func (m *mockVLLM) chatCompletions(w http.ResponseWriter, r *http.Request) {
	var req models.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages must not be empty"})
		return
	}

	m.simulate()

	writeJSON(w, http.StatusOK, models.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []models.ChatCompletionChoice{
			{
				Index: 0,
				Message: models.ChatMessage{
					Role:    "assistant",
					Content: "Mock response to: " + req.LastUserContent(),
				},
				FinishReason: "stop",
			},
		},
		Usage: models.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	})
}

func (m *mockVLLM) completions(w http.ResponseWriter, r *http.Request) {
	var req models.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt must not be empty"})
		return
	}

	m.simulate()

	writeJSON(w, http.StatusOK, models.CompletionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []models.CompletionChoice{
			{
				Text:         "Mock completion for: " + req.Prompt,
				Index:        0,
				Logprobs:     nil,
				FinishReason: "length",
			},
		},
		Usage: models.Usage{PromptTokens: 5, CompletionTokens: 10, TotalTokens: 15},
	})
}

func (m *mockVLLM) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"model":  m.model,
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Mock vLLM request: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Ignoring %s=%q: %v", key, raw, err)
		return fallback
	}
	return n
}

func main() {
	port := envInt("MOCK_VLLM_PORT", 8000)
	latency := time.Duration(envInt("MOCK_VLLM_LATENCY_MS", 0)) * time.Millisecond
	sim := newMockVLLM(os.Getenv("MOCK_VLLM_MODEL"), latency)

	addr := fmt.Sprintf(":%d", port)
	log.Printf("Starting mock vLLM server on %s serving %s", addr, sim.model)

	server := &http.Server{
		Addr:         addr,
		Handler:      sim.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  90 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Mock vLLM server failed: %v", err)
	}
}
