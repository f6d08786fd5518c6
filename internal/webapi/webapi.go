// Package webapi exposes a node's mesh core over a small local HTTP API.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"meshrelay/internal/debuglog"
	"meshrelay/internal/mesh"
	"meshrelay/internal/proto"
	"meshrelay/internal/queue"
	"meshrelay/internal/router"
)

const (
	maxBodyBytes      = 4096
	defaultInboxLimit = 50
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 2 * time.Second
)

type Options struct {
	// EnablePprof mounts /debug/pprof/ from http.DefaultServeMux.
	EnablePprof bool
}

type messageRequest struct {
	Destination string `json:"destination"`
	Payload     string `json:"payload"`
}

type broadcastRequest struct {
	Payload   string `json:"payload"`
	Emergency bool   `json:"emergency"`
}

type queueResponse struct {
	PointToPoint []queue.Message `json:"p2p"`
	Broadcast    []queue.Message `json:"broadcast"`
	Size         int             `json:"size"`
}

type handlers struct {
	core *mesh.Core
}

func NewRouter(core *mesh.Core, opts Options) *mux.Router {
	h := &handlers{core: core}
	r := mux.NewRouter()
	r.HandleFunc("/id", h.id).Methods("GET")
	r.HandleFunc("/neighbors", h.neighbors).Methods("GET")
	r.HandleFunc("/queue", h.queue).Methods("GET")
	r.HandleFunc("/metrics", h.metrics).Methods("GET")
	r.HandleFunc("/inbox", h.inbox).Methods("GET")
	r.HandleFunc("/message", h.message).Methods("POST")
	r.HandleFunc("/broadcast", h.broadcast).Methods("POST")
	if opts.EnablePprof {
		r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	}
	return r
}

func (h *handlers) id(w http.ResponseWriter, r *http.Request) {
	self := h.core.Self()
	if self == "" {
		writeError(w, mesh.ErrNotInitialized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"peer_id": string(self)})
}

func (h *handlers) neighbors(w http.ResponseWriter, r *http.Request) {
	list, err := h.core.GetActiveNeighbors()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) queue(w http.ResponseWriter, r *http.Request) {
	p2p, bcast, err := h.core.Queued()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{PointToPoint: p2p, Broadcast: bcast, Size: len(p2p) + len(bcast)})
}

func (h *handlers) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Metrics().Snapshot())
}

func (h *handlers) inbox(w http.ResponseWriter, r *http.Request) {
	limit := defaultInboxLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	ib := h.core.Inbox()
	if ib == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	recs, err := ib.List(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handlers) message(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := readJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dst := proto.PeerID(strings.TrimSpace(req.Destination))
	if !dst.Valid() || dst == proto.Broadcast {
		http.Error(w, "bad destination", http.StatusBadRequest)
		return
	}
	id, err := h.core.SendDirect(dst, []byte(req.Payload))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String()})
}

func (h *handlers) broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := readJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := h.core.SendBroadcast([]byte(req.Payload), req.Emergency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String()})
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return err
	}
	if len(raw) > maxBodyBytes {
		return errors.New("body too large")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("bad json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debuglog.Debugf("webapi write failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mesh.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	case errors.Is(err, router.ErrInvalidPeer),
		errors.Is(err, router.ErrPayloadTooLarge),
		errors.Is(err, queue.ErrInvalidDest),
		errors.Is(err, queue.ErrTooLarge):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

// Serve runs handler on addr until ctx is done. Non-loopback binds are
// refused unless allowPublic is set.
func Serve(ctx context.Context, addr string, handler http.Handler, allowPublic bool, ready func(net.Addr)) error {
	if !allowPublic && !isLoopbackBind(addr) {
		return fmt.Errorf("http addr must be loopback unless public access is allowed: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen failed: %w", err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	if ready != nil {
		ready(ln.Addr())
	}
	debuglog.Logf("http api listening on %s", ln.Addr())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
