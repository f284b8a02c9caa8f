package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-speech/internal/protocol"
)

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	mux.HandleFunc("GET /v1/voices", r.handleVoices)
	mux.HandleFunc("GET /v1/providers", r.handleProviders)
	mux.HandleFunc("GET /v1/utterances", r.handleUtterances)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleVoices lists voices, optionally narrowed by ?provider= and
// ?language=.
func (r *Runtime) handleVoices(w http.ResponseWriter, req *http.Request) {
	providerID := req.URL.Query().Get("provider")
	language := req.URL.Query().Get("language")
	out := []protocol.VoiceInfo{}
	for _, v := range r.speech.Speaker.Voices().Items() {
		if providerID != "" && v.ProviderID() != providerID {
			continue
		}
		if language != "" && !v.HasLanguage(language) {
			continue
		}
		out = append(out, protocol.DescribeVoice(v))
	}
	r.writeJSON(w, out)
}

func (r *Runtime) handleProviders(w http.ResponseWriter, _ *http.Request) {
	out := []protocol.ProviderInfo{}
	for _, p := range r.speech.Speaker.Providers().Items() {
		out = append(out, protocol.DescribeProvider(p))
	}
	r.writeJSON(w, out)
}

type utteranceView struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Provider string `json:"provider,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
	Created  string `json:"created_at"`
}

func (r *Runtime) handleUtterances(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	recent, err := r.journal.Recent(req.Context(), limit)
	if err != nil {
		r.logger.Warn("list utterances failed", slog.String("error", err.Error()))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]utteranceView, 0, len(recent))
	for _, u := range recent {
		out = append(out, utteranceView{
			ID:       u.ID,
			Text:     u.Text,
			Voice:    u.Voice,
			Provider: u.Provider,
			Outcome:  u.Outcome,
			Error:    u.Error,
			Created:  u.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	r.writeJSON(w, out)
}

func (r *Runtime) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Warn("write response failed", slog.String("error", err.Error()))
	}
}
