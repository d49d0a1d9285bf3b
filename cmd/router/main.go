// Command router runs the Director: an L4 TCP proxy in front of the
// storage nodes' web ports, routing purely on the HTTP Host: header
// without parsing the rest of the request.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbusio/nimbusfront/internal/centraldb"
	"github.com/nimbusio/nimbusfront/internal/config"
	"github.com/nimbusio/nimbusfront/internal/router"
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

	rcfg := router.Config{
		ServiceSuffix:        cfg.Director.ServiceSuffix,
		WebPort:              cfg.Director.WebPort,
		ManagementHosts:      cfg.Director.ManagementHosts,
		RetryDelay:           cfg.Director.RetryDelay,
		CollectionCacheSize:  cfg.Director.Cache.CollectionCacheSize,
		NegativeCacheForever: cfg.Director.Cache.NegativeCacheForever,
		NegativeCacheTTL:     cfg.Director.Cache.NegativeCacheTTL,
	}

	r, err := router.New(rcfg, centraldb.NewConnector(cfg.CentralDB.DSN))
	if err != nil {
		log.Fatalf("router init: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go r.Init(ctx)

	ln, err := net.Listen("tcp", cfg.Director.Server.Addr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Printf("router listening on %s", cfg.Director.Server.Addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Printf("router: accept: %v", err)
			continue
		}
		go serve(ctx, r, conn)
	}
}

// serve buffers bytes off conn until router.Proxy returns a non-wait
// verdict, then either pipes the connection through to the chosen
// backend or writes a minimal HTTP error response and closes it.
func serve(ctx context.Context, r *router.Router, conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, 0, 4096)
	one := make([]byte, 4096)
	for {
		n, err := conn.Read(one)
		if n > 0 {
			buf = append(buf, one[:n]...)
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("router: read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		v := r.Proxy(ctx, buf)
		switch v.Kind {
		case router.VerdictWait:
			continue
		case router.VerdictClose:
			_, _ = conn.Write([]byte("HTTP/1.1 " + v.Close + "\r\nConnection: close\r\n\r\n"))
			return
		case router.VerdictForward:
			forward(conn, buf, v.ForwardTo)
			return
		}
	}
}

func forward(client net.Conn, buffered []byte, addr string) {
	backend, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		log.Printf("router: dial backend %s: %v", addr, err)
		_, _ = client.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n"))
		return
	}
	defer backend.Close()

	if _, err := backend.Write(buffered); err != nil {
		log.Printf("router: write buffered bytes to %s: %v", addr, err)
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(backend, client)
		if tc, ok := backend.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, backend)
		if tc, ok := client.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
}
