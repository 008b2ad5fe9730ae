package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// NewTCPServer serves h on addr and starts accepting in a goroutine.
func NewTCPServer(addr string, h http.Handler) *http.Server {
	srv := newHTTPServer(h)
	srv.Addr = addr
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// NewUnixServer binds the control socket. A socket file left behind by a
// dead daemon is replaced; a socket with a live daemon on it is refused.
func NewUnixServer(socketPath string, h http.Handler) (*http.Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if _, err := os.Stat(socketPath); err == nil {
		if conn, err := net.DialTimeout("unix", socketPath, 200*time.Millisecond); err == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("control socket %s is in use by a running daemon", socketPath)
		}
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("bind control socket %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		_ = lis.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	srv := newHTTPServer(h)
	go func() { _ = srv.Serve(lis) }()
	return srv, nil
}

// ShutdownUnixServer drains the server and removes the socket file.
func ShutdownUnixServer(ctx context.Context, srv *http.Server, socketPath string) error {
	err := srv.Shutdown(ctx)
	if rmErr := os.Remove(socketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

func newHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: the event stream holds responses open
		IdleTimeout: 60 * time.Second,
	}
}
