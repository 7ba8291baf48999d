// Package listener implements the three serving modes of spec.md §4.7:
// standalone (one *http.Server per bind address, SO_REUSEADDR retry),
// inetd (a single already-accepted connection on stdin/stdout), and CGI
// (net/http/cgi.Serve). Grounded on the teacher's cmd/server/main.go
// listen/shutdown shape, generalized from a single bind address to a set,
// and supervised with golang.org/x/sync/errgroup instead of a bare
// goroutine + channel per address.
package listener

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cgi"
	"os"
	"strings"
	"time"

	"github.com/pires/go-proxyproto"
	"golang.org/x/sync/errgroup"

	"github.com/pkgcacher/pkgcacher/internal/config"
)

// bindRetries bounds SO_REUSEADDR bind retry attempts (spec.md §4.7).
const bindRetries = 5

// Standalone runs one *http.Server per configured bind address until ctx
// is cancelled, then shuts all of them down gracefully. useProxyProtocol
// wraps each listener so client ACLs (internal/acl) see the real peer
// address when the daemon sits behind a TCP load balancer.
func Standalone(ctx context.Context, cfg *config.Config, handler http.Handler, useProxyProtocol bool) error {
	addrs := bindAddresses(cfg)
	if len(addrs) == 0 {
		return fmt.Errorf("listener: no bind addresses configured")
	}

	group, gctx := errgroup.WithContext(ctx)
	servers := make([]*http.Server, 0, len(addrs))

	for _, addr := range addrs {
		ln, err := bindWithRetry(addr, bindRetries)
		if err != nil {
			return fmt.Errorf("listener: binding %s: %w", addr, err)
		}
		if useProxyProtocol {
			ln = &proxyproto.Listener{Listener: ln}
		}

		srv := &http.Server{Handler: handler}
		servers = append(servers, srv)

		group.Go(func() error {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("listener: serving %s: %w", addr, err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	return group.Wait()
}

// bindAddresses builds the "host:port" pairs Standalone binds to. A blank
// DaemonAddr means "all interfaces" (a single wildcard bind); a
// comma-separated DaemonAddr binds one socket per address, matching
// traditional pkg-cacher multi-homed deployments.
func bindAddresses(cfg *config.Config) []string {
	if cfg.DaemonAddr == "" {
		return []string{fmt.Sprintf(":%d", cfg.DaemonPort)}
	}
	parts := strings.Split(cfg.DaemonAddr, ",")
	addrs := make([]string, 0, len(parts))
	for _, part := range parts {
		host := strings.TrimSpace(part)
		if host == "" {
			continue
		}
		addrs = append(addrs, fmt.Sprintf("%s:%d", host, cfg.DaemonPort))
	}
	return addrs
}

// bindWithRetry retries a TCP bind up to attempts times with a short
// backoff, tolerating a not-yet-released socket from a just-restarted
// process (SO_REUSEADDR races on some platforms).
func bindWithRetry(addr string, attempts int) (net.Listener, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	return nil, lastErr
}

// singleConnListener yields exactly one net.Conn and then blocks until
// closed, letting http.Server.Serve drive a single inetd-supplied
// connection through the same request pipeline as standalone mode.
type singleConnListener struct {
	conn   net.Conn
	served bool
	done   chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, done: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.served {
		<-l.done
		return nil, fmt.Errorf("listener: inetd connection already served")
	}
	l.served = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// Inetd serves exactly one connection already attached to stdin/stdout,
// then returns once that connection closes (spec.md §4.7 inetd mode).
func Inetd(handler http.Handler) error {
	conn := &stdioConn{}
	ln := newSingleConnListener(conn)
	srv := &http.Server{
		Handler: handler,
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				ln.Close()
			}
		},
	}
	err := srv.Serve(ln)
	select {
	case <-ln.done:
		return nil
	default:
		return err
	}
}

// stdioConn adapts os.Stdin/os.Stdout to net.Conn for inetd mode, where
// the calling superserver has already accepted the TCP connection and
// bound it to the process's standard streams.
type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioConn) Close() error {
	os.Stdin.Close()
	return os.Stdout.Close()
}
func (stdioConn) LocalAddr() net.Addr                { return stdioAddr{} }
func (stdioConn) RemoteAddr() net.Addr               { return stdioAddr{} }
func (stdioConn) SetDeadline(time.Time) error        { return nil }
func (stdioConn) SetReadDeadline(time.Time) error     { return nil }
func (stdioConn) SetWriteDeadline(time.Time) error    { return nil }

type stdioAddr struct{}

func (stdioAddr) Network() string { return "stdio" }
func (stdioAddr) String() string  { return "stdio" }

// CGI runs handler as a CGI program: net/http/cgi.Serve reads the request
// from the environment (spec.md §4.7's env-var request), and any headers
// handler sets are translated into CGI's "Status:"-prefixed response
// lines automatically.
func CGI(handler http.Handler) error {
	return cgi.Serve(handler)
}
