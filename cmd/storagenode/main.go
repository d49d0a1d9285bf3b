// Command storagenode runs one storage node: it answers the fan-out
// archiver's per-segment ArchiveKeyEntire messages over the bus and
// serves whole-segment retrieval over HTTP to the frontend's GET path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nimbusio/nimbusfront/internal/bus"
	"github.com/nimbusio/nimbusfront/internal/config"
	"github.com/nimbusio/nimbusfront/internal/nodedb"
	"github.com/nimbusio/nimbusfront/internal/reader"
	"github.com/nimbusio/nimbusfront/internal/storagenode"
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

	db, err := nodedb.Open(cfg.StorageNode.NodeDB.Path)
	if err != nil {
		log.Fatalf("node db open: %v", err)
	}
	defer db.Close()

	store, err := storagenode.New(db, cfg.StorageNode.RepositoryRoot, cfg.StorageNode.Erasure.EncodedBlockSliceSize)
	if err != nil {
		log.Fatalf("storagenode init: %v", err)
	}
	defer store.Close()

	busClient, err := bus.Dial(cfg.StorageNode.Bus.URL, cfg.StorageNode.Bus.Timeout)
	if err != nil {
		log.Fatalf("bus dial: %v", err)
	}
	defer busClient.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		log.Printf("storagenode listening for archive messages on %s", cfg.StorageNode.Subject)
		if err := busClient.Listen(ctx, cfg.StorageNode.Subject, store.HandleArchive); err != nil {
			log.Printf("bus listen stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/retrieve", func(w http.ResponseWriter, r *http.Request) {
		handleRetrieve(w, r, store)
	})

	log.Printf("storagenode web layer listening on %s", cfg.StorageNode.Server.Addr)
	if err := http.ListenAndServe(cfg.StorageNode.Server.Addr, mux); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func handleRetrieve(w http.ResponseWriter, r *http.Request, store *storagenode.Store) {
	q := r.URL.Query()
	collectionID, err := strconv.ParseInt(q.Get("collection_id"), 10, 64)
	if err != nil {
		http.Error(w, "bad collection_id", http.StatusBadRequest)
		return
	}
	key := q.Get("key")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	segmentNum, err := strconv.Atoi(q.Get("segment_num"))
	if err != nil {
		http.Error(w, "bad segment_num", http.StatusBadRequest)
		return
	}

	originalSize, err := store.OriginalSize(r.Context(), collectionID, key, segmentNum)
	if errors.Is(err, reader.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("storagenode: lookup %s: %v", key, err)
		http.Error(w, fmt.Sprintf("lookup error: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Original-Size", strconv.FormatInt(originalSize, 10))
	if err := store.RetrieveEntire(r.Context(), w, collectionID, key, segmentNum); err != nil {
		log.Printf("storagenode: retrieve %s: %v", key, err)
	}
}
