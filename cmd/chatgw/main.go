package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/comigor/chatgw-go/internal/config"
	"github.com/comigor/chatgw-go/internal/gateway"
	"github.com/comigor/chatgw-go/internal/history"
	"github.com/comigor/chatgw-go/internal/logger"
	"github.com/comigor/chatgw-go/internal/provider"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		return
	}
	logger.SetLevel(cfg.Log.Level)

	// Open the transcript store
	store, err := history.Open(cfg.History.DBPath)
	if err != nil {
		logger.L.Error("failed to open history store", "path", cfg.History.DBPath, "error", err)
		return
	}
	defer store.Close()

	// Build the provider registry once at startup
	registry, err := provider.NewRegistry(cfg.LLM)
	if err != nil {
		logger.L.Error("failed to build provider registry", "error", err)
		return
	}

	gw := gateway.New(registry, store, store, cfg.LLM)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", handleChat(gw))
	mux.HandleFunc("POST /chat/stream", handleStreamChat(gw))
	mux.HandleFunc("GET /sessions", handleListSessions(gw))
	mux.HandleFunc("GET /sessions/{id}", handleGetSession(gw))
	mux.HandleFunc("POST /sessions/{id}/messages/{mid}/rating", handleRateMessage(gw))
	mux.HandleFunc("GET /health", handleHealth(gw))

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.L.Info("starting server", "address", serverAddr)
	if err := http.ListenAndServe(serverAddr, mux); err != nil {
		logger.L.Error("failed to start server", "error", err)
	}
}

func handleChat(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gateway.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, provider.Errorf("", provider.ErrKindValidation, "invalid request body"))
			return
		}
		logger.L.Info("chat request", "session_id", req.SessionID, "provider", req.Provider, "model", req.Model)

		result, err := gw.Chat(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleStreamChat(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gateway.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, provider.Errorf("", provider.ErrKindValidation, "invalid request body"))
			return
		}

		stream, err := gw.StreamChat(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		defer stream.Cancel()

		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)

		enc := json.NewEncoder(w)
		for ev := range stream.Events() {
			switch {
			case ev.Err != nil:
				enc.Encode(map[string]any{"error": errorBody(ev.Err)})
			case ev.Result != nil:
				enc.Encode(map[string]any{"done": true, "result": ev.Result})
			default:
				enc.Encode(map[string]any{"fragment": ev.Fragment})
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func handleGetSession(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 0)
		msgs, err := gw.GetSession(r.Context(), r.PathValue("id"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": r.PathValue("id"),
			"messages":   msgs,
		})
	}
}

func handleListSessions(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := queryInt(r, "page", 1)
		size := queryInt(r, "size", 0)
		summaries, err := gw.ListSessions(r.Context(), page, size)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries, "page": page})
	}
}

func handleRateMessage(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Rating int `json:"rating"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, provider.Errorf("", provider.ErrKindValidation, "invalid request body"))
			return
		}
		if err := gw.RateMessage(r.Context(), r.PathValue("id"), r.PathValue("mid"), body.Rating); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func handleHealth(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, gw.HealthCheck(r.Context()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"error": errorBody(err)})
}

func errorBody(err error) map[string]any {
	kind := provider.ErrKindUnavailable
	msg := "request failed"
	if e, ok := provider.AsError(err); ok {
		kind = e.Kind
		msg = e.Message
	}
	return map[string]any{"kind": string(kind), "message": msg}
}

func statusFor(err error) int {
	switch provider.KindOf(err) {
	case provider.ErrKindValidation, provider.ErrKindUnsupported:
		return http.StatusBadRequest
	case provider.ErrKindNotFound:
		return http.StatusNotFound
	case provider.ErrKindRateLimited:
		return http.StatusTooManyRequests
	case provider.ErrKindTimeout:
		return http.StatusGatewayTimeout
	case provider.ErrKindConfiguration:
		return http.StatusInternalServerError
	case provider.ErrKindAuth, provider.ErrKindMalformed:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
