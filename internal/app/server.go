package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dshills/beacon/internal/event"
	"github.com/dshills/beacon/internal/event/topic"
	"github.com/dshills/beacon/internal/observability"
	"github.com/dshills/beacon/internal/resilience"
)

// routes builds the HTTP surface: websocket upgrade, polling drain,
// client status, producer publish, and explicit disconnect.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", requireMethod(http.MethodGet, a.handleWebsocket))
	mux.HandleFunc("/poll", requireMethod(http.MethodGet, a.handlePoll))
	mux.HandleFunc("/status", requireMethod(http.MethodGet, a.handleStatus))
	mux.HandleFunc("/publish", requireMethod(http.MethodPost, a.handlePublish))
	mux.HandleFunc("/disconnect", requireMethod(http.MethodPost, a.handleDisconnect))
	return mux
}

// requireMethod rejects requests with the wrong HTTP method. Go 1.22 mux
// method patterns would do this natively; this keeps the module buildable
// on Go 1.21.
func requireMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func clientID(r *http.Request) string {
	return r.URL.Query().Get("client")
}

// handleWebsocket upgrades the connection and registers the client on the
// push transport. Initial patterns may be passed as repeated pattern
// query parameters; further changes arrive as control frames.
func (a *App) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	if id == "" {
		http.Error(w, "missing client parameter", http.StatusBadRequest)
		return
	}

	for _, p := range r.URL.Query()["pattern"] {
		if err := a.clients.subscribe(id, topic.Topic(p)); err != nil {
			http.Error(w, "invalid pattern: "+p, http.StatusBadRequest)
			return
		}
	}

	if err := a.push.HandleUpgrade(w, r, id); err != nil {
		// HandleUpgrade has already written the HTTP error response.
		observability.LogWarn(a.logger, "upgrade failed", "client", id, "error", err)
	}
}

// handlePoll registers the client for polling delivery if needed and
// drains its outbox. The response is a JSON array of envelopes; the first
// carries droppedCount when the outbox overflowed since the last poll.
func (a *App) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	if id == "" {
		http.Error(w, "missing client parameter", http.StatusBadRequest)
		return
	}

	if st, err := a.manager.State(id); err == nil && st == resilience.StateConnected {
		// A healthy push client has nothing to drain here; polling is the
		// fallback, not a second channel.
		http.Error(w, "client is connected via push", http.StatusConflict)
		return
	}

	for _, p := range r.URL.Query()["pattern"] {
		if err := a.clients.subscribe(id, topic.Topic(p)); err != nil {
			http.Error(w, "invalid pattern: "+p, http.StatusBadRequest)
			return
		}
	}
	a.manager.RegisterPolling(id)

	envs, err := a.manager.Poll(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if envs == nil {
		envs = []event.Envelope{}
	}
	writeJSON(w, http.StatusOK, envs)
}

// handleStatus reports the client's connection state, queue depth, and
// cumulative dropped count.
func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	if id == "" {
		http.Error(w, "missing client parameter", http.StatusBadRequest)
		return
	}
	status, err := a.manager.Status(id)
	if err != nil {
		if errors.Is(err, resilience.ErrUnknownClient) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// publishRequest is the producer API body.
type publishRequest struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	Source  string `json:"source"`
}

// handlePublish accepts a producer event and feeds it to the bus.
func (a *App) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := a.Publish(r.Context(), topic.Topic(req.Type), req.Payload, req.Source); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleDisconnect removes a client for good: subscriptions, queue, and
// transport registrations all go.
func (a *App) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	if id == "" {
		http.Error(w, "missing client parameter", http.StatusBadRequest)
		return
	}
	a.clients.drop(id)
	if err := a.manager.Disconnect(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
