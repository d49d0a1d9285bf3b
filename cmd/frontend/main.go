// Command frontend runs the backend web layer spec section 2 treats as
// the fan-out archiver's caller: a small HTTP API accepting PUT to
// archive a whole object and GET to retrieve one already written.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	neturl "net/url"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nimbusio/nimbusfront/internal/archiver"
	"github.com/nimbusio/nimbusfront/internal/bus"
	"github.com/nimbusio/nimbusfront/internal/config"
	"github.com/nimbusio/nimbusfront/internal/erasure"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "/etc/nimbusio/config.json", "path to config file (json)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validate: %v", err)
	}

	busClient, err := bus.Dial(cfg.Frontend.Bus.URL, cfg.Frontend.Bus.Timeout)
	if err != nil {
		log.Fatalf("bus dial: %v", err)
	}
	defer busClient.Close()

	coder, err := erasure.New(cfg.Frontend.Erasure.SegmentCount, cfg.Frontend.Erasure.Redundancy)
	if err != nil {
		log.Fatalf("erasure init: %v", err)
	}

	exchanges := make([]string, cfg.Frontend.Erasure.SegmentCount)
	for i := range exchanges {
		exchanges[i] = fmt.Sprintf("nimbusio.node.%d", i)
	}

	arc, err := archiver.New(busClient, exchanges, coder.DataShards(), cfg.Frontend.RequireAllReplies, "frontend.reply", "frontend.reply.q")
	if err != nil {
		log.Fatalf("archiver init: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h := &handler{
		coder:          coder,
		archiver:       arc,
		archiveTimeout: cfg.Frontend.ArchiveTimeout,
		nodeURLs:       cfg.Frontend.NodeRetrieveURLs,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/objects/", h.handleObject)

	srv := &http.Server{Addr: cfg.Frontend.Server.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("frontend listening on %s", cfg.Frontend.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}

type handler struct {
	coder          *erasure.Coder
	archiver       *archiver.Archiver
	archiveTimeout time.Duration
	nodeURLs       []string
	httpClient     *http.Client
}

func (h *handler) handleObject(w http.ResponseWriter, r *http.Request) {
	collectionID, key, ok := parseObjectPath(r.URL.Path)
	if !ok {
		http.Error(w, "expected /objects/<collection_id>/<key>", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		h.handlePut(w, r, collectionID, key)
	case http.MethodGet:
		h.handleGet(w, r, collectionID, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handler) handlePut(w http.ResponseWriter, r *http.Request, collectionID int64, key string) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<30))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	shards, err := h.coder.Split(payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("split: %v", err), http.StatusInternalServerError)
		return
	}

	total, err := h.archiver.ArchiveEntireWithSize(r.Context(), collectionID, key, shards, time.Now(), h.archiveTimeout, len(payload))
	if err != nil {
		log.Printf("frontend: archive %s failed: %v", key, err)
		http.Error(w, fmt.Sprintf("archive failed: %v", err), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"previous_size":%d}`, total)
}

// handleGet fetches segment i from node i directly (the router's
// host rotation only balances the client-facing web path, not this
// internal fan-in) until DataShards() of them have answered, then
// reconstructs the original payload via the erasure coder.
func (h *handler) handleGet(w http.ResponseWriter, r *http.Request, collectionID int64, key string) {
	shards := make([][]byte, h.coder.TotalShards())
	originalSize := int64(-1)
	successCount := 0

	for segmentNum, baseURL := range h.nodeURLs {
		if successCount >= h.coder.DataShards() {
			break
		}
		payload, size, err := h.fetchSegment(r.Context(), baseURL, collectionID, key, segmentNum)
		if err != nil {
			log.Printf("frontend: fetch segment %d for %s failed: %v", segmentNum, key, err)
			continue
		}
		shards[segmentNum] = payload
		if originalSize < 0 {
			originalSize = size
		}
		successCount++
	}

	if successCount < h.coder.DataShards() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	out, err := h.coder.Reconstruct(shards, int(originalSize))
	if err != nil {
		log.Printf("frontend: reconstruct %s failed: %v", key, err)
		http.Error(w, fmt.Sprintf("reconstruct failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(out)
}

func (h *handler) fetchSegment(ctx context.Context, baseURL string, collectionID int64, key string, segmentNum int) ([]byte, int64, error) {
	q := neturl.Values{}
	q.Set("collection_id", strconv.FormatInt(collectionID, 10))
	q.Set("key", key)
	q.Set("segment_num", strconv.Itoa(segmentNum))
	target := baseURL + "/retrieve?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("node replied %d", resp.StatusCode)
	}
	size, err := strconv.ParseInt(resp.Header.Get("X-Original-Size"), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("missing X-Original-Size header: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<30))
	if err != nil {
		return nil, 0, err
	}
	return body, size, nil
}

// parseObjectPath splits "/objects/<collection_id>/<key...>" into its
// parts. The key itself may contain slashes, so everything after the
// second path segment is taken verbatim.
func parseObjectPath(path string) (collectionID int64, key string, ok bool) {
	const prefix = "/objects/"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return 0, "", false
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			id, err := strconv.ParseInt(rest[:i], 10, 64)
			if err != nil {
				return 0, "", false
			}
			return id, rest[i+1:], true
		}
	}
	return 0, "", false
}
