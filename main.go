// Command httpcore is a minimal demonstration CLI: it fetches a URL
// through the pooled transport core and prints status, headers and the
// whole body.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/thushan/httpcore/internal/client"
	"github.com/thushan/httpcore/internal/config"
	"github.com/thushan/httpcore/internal/core/domain"
	"github.com/thushan/httpcore/internal/core/ports"
	"github.com/thushan/httpcore/internal/logger"
	"github.com/thushan/httpcore/internal/pool"
	"github.com/thushan/httpcore/internal/transport"
	"github.com/thushan/httpcore/internal/version"
)

func main() {
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	}

	target := flag.String("url", "", "URL to fetch, e.g. https://example.com/")
	flag.Parse()
	if *target == "" {
		version.PrintVersionInfo(false, vlog)
		fmt.Fprintln(os.Stderr, "usage: httpcore -url https://example.com/")
		os.Exit(2)
	}

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logInstance, styled, cleanup, err := logger.NewStyled(&logger.Config{
		Level:      cfg.Logging.Level,
		FileOutput: cfg.Logging.FileOutput,
		LogDir:     cfg.Logging.LogDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logInstance)

	u, err := url.Parse(*target)
	if err != nil {
		styled.Error("invalid url", "error", err)
		os.Exit(1)
	}

	reqURL, err := toDomainURL(u)
	if err != nil {
		styled.Error("unsupported url", "error", err)
		os.Exit(1)
	}

	backend := transport.NewTCPBackend()
	factory := func(origin domain.Origin) ports.Connection {
		return transport.NewHTTPConnection(origin, transport.Options{
			Backend:         backend,
			HTTP1Enabled:    cfg.Pool.HTTP1,
			HTTP2Enabled:    cfg.Pool.HTTP2,
			ConnectTimeout:  5 * time.Second,
			LocalAddress:    cfg.Pool.LocalAddress,
			UnixSocketPath:  cfg.Pool.UDS,
			KeepaliveExpiry: cfg.Pool.KeepaliveExpiry,
			MaxDialRetries:  cfg.Pool.Retries,
		})
	}

	p := pool.New(factory, pool.Options{
		MaxConnections:          cfg.Pool.MaxConnections,
		MaxKeepaliveConnections: cfg.Pool.MaxKeepaliveConnections,
		PoolTimeout:             10 * time.Second,
		Logger:                  styled,
	})
	defer p.Close()

	c := client.New(p)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := domain.NewRequest("GET", reqURL, nil, domain.Body{}, nil)
	resp, body, err := c.Do(ctx, req)
	if err != nil {
		styled.Error("request failed", "url", reqURL.String(), "error", err)
		os.Exit(1)
	}

	fmt.Printf("HTTP %d\n", resp.StatusCode)
	for _, h := range resp.Headers {
		fmt.Printf("%s: %s\n", h.Name, h.Value)
	}
	fmt.Printf("\n%s\n", body)
}

func toDomainURL(u *url.URL) (domain.URL, error) {
	var scheme domain.Scheme
	switch u.Scheme {
	case "http":
		scheme = domain.SchemeHTTP
	case "https":
		scheme = domain.SchemeHTTPS
	default:
		return domain.URL{}, &domain.UnsupportedProtocol{Scheme: u.Scheme}
	}

	port := scheme.DefaultPort()
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return domain.URL{}, err
		}
		port = uint16(n)
	}

	target := u.Path
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}

	return domain.URL{Scheme: scheme, Host: u.Hostname(), Port: port, Target: target}, nil
}
