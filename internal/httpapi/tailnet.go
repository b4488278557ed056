package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"tailscale.com/tsnet"
)

// serveTailnet brings the node onto the tailnet and serves the same mux
// there. Returns a cleanup for the node, or (nil, nil) when no hostname is
// configured. TLS needs MagicDNS and HTTPS certificates enabled on the
// tailnet.
func (s *Server) serveTailnet(ctx context.Context, srv *http.Server) (func(), error) {
	if s.ts.Hostname == "" {
		return nil, nil
	}

	node := &tsnet.Server{
		Hostname:  s.ts.Hostname,
		Dir:       s.ts.StateDir,
		AuthKey:   s.ts.AuthKey,
		Ephemeral: s.ts.Ephemeral,
		Logf: func(format string, args ...any) {
			slog.Debug("tsnet: " + fmt.Sprintf(format, args...))
		},
	}
	if _, err := node.Up(ctx); err != nil {
		node.Close()
		return nil, fmt.Errorf("tailnet up: %w", err)
	}

	var (
		ln  net.Listener
		err error
	)
	if s.ts.EnableTLS {
		ln, err = node.ListenTLS("tcp", ":443")
	} else {
		ln, err = node.Listen("tcp", ":80")
	}
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("tailnet listen: %w", err)
	}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tailnet serve stopped", "error", err)
		}
	}()
	slog.Info("tailnet listener up", "hostname", s.ts.Hostname, "tls", s.ts.EnableTLS)

	return func() { node.Close() }, nil
}
