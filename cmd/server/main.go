package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"dicehall.gg/internal/persistence/archive"
	"dicehall.gg/internal/persistence/docstore"
	"dicehall.gg/internal/rules"
	"dicehall.gg/internal/table"
	"dicehall.gg/internal/transport/ws"
)

func main() {
	var (
		addr           = flag.String("addr", ":8080", "http listen address")
		tableID        = flag.String("table", "table_1", "table id")
		seed           = flag.Int64("seed", 1337, "dice seed (0 means time-based)")
		configDir      = flag.String("configs", "./configs", "config directory")
		dataDir        = flag.String("data", "./data", "runtime data directory")
		gmKey          = flag.String("gm_key", "", "key granting GM authority on HELLO (or set DH_GM_KEY)")
		fallbackHealth = flag.Int("fallback_health", 10, "shared health pool for actors without one")
		disableArchive = flag.Bool("disable_archive", false, "disable the compressed chat archive")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	key := strings.TrimSpace(*gmKey)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("DH_GM_KEY"))
	}
	if key == "" {
		logger.Printf("no GM key configured; every client joins as a player")
	}

	tab, err := rules.Load(filepath.Join(*configDir, "keywords.yaml"))
	if err != nil {
		logger.Fatalf("load keyword rules: %v", err)
	}

	tableDir := filepath.Join(*dataDir, "tables", *tableID)
	if err := os.MkdirAll(tableDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	store, err := docstore.Open(filepath.Join(tableDir, "messages.db"))
	if err != nil {
		logger.Fatalf("open message store: %v", err)
	}
	defer store.Close()

	var opts []table.Option
	if !*disableArchive {
		arch := archive.NewJSONLZstdWriter(filepath.Join(tableDir, "archive"), "chat")
		defer arch.Close()
		opts = append(opts, table.WithArchive(arch))
	}

	tbl := table.New(table.Config{
		ID:             *tableID,
		Seed:           *seed,
		GMKey:          key,
		FallbackHealth: *fallbackHealth,
	}, store, tab, logger, opts...)

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := tbl.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("table stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := tbl.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP dicehall_table_clients Current number of connected clients.\n")
		fmt.Fprintf(rw, "# TYPE dicehall_table_clients gauge\n")
		fmt.Fprintf(rw, "dicehall_table_clients{table=%q} %d\n", *tableID, m.Clients)

		fmt.Fprintf(rw, "# HELP dicehall_table_messages Live transcript message count.\n")
		fmt.Fprintf(rw, "# TYPE dicehall_table_messages gauge\n")
		fmt.Fprintf(rw, "dicehall_table_messages{table=%q} %d\n", *tableID, m.Messages)

		fmt.Fprintf(rw, "# HELP dicehall_table_queue_depth Channel backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE dicehall_table_queue_depth gauge\n")
		fmt.Fprintf(rw, "dicehall_table_queue_depth{table=%q,queue=%q} %d\n", *tableID, "inbox", m.QueueDepths.Inbox)
		fmt.Fprintf(rw, "dicehall_table_queue_depth{table=%q,queue=%q} %d\n", *tableID, "join", m.QueueDepths.Join)
		fmt.Fprintf(rw, "dicehall_table_queue_depth{table=%q,queue=%q} %d\n", *tableID, "leave", m.QueueDepths.Leave)
	})

	// Local-only admin state endpoint.
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			TableID string             `json:"table_id"`
			Metrics table.TableMetrics `json:"metrics"`
		}{
			TableID: *tableID,
			Metrics: tbl.Metrics(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	})

	mux.HandleFunc("/v1/ws", ws.NewServer(tbl, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("table %s listening on %s", *tableID, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
