// Package bridge implements the Bridge Orchestrator: the per-connection
// loop that accepts a browser WebSocket, owns a Session Registry, routes
// framed inbound messages to PTY sessions, fans PTY output back out
// through a single-writer outbound path, and runs an idle sweeper —
// guaranteeing on any exit path that every session is closed, the
// connection is untracked, and no reader task is left runnable.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nullthrow/termbridge/internal/execadapter"
	"github.com/nullthrow/termbridge/internal/ratelimit"
	"github.com/nullthrow/termbridge/internal/session"
	"github.com/nullthrow/termbridge/internal/ws"
)

// Config carries the tunables consumed by the core (§6.3 of the spec
// this bridges, restated here as a plain struct).
type Config struct {
	IdleTimeout   time.Duration // default 30m
	SweepInterval time.Duration // default 60s
	PTYChunkSize  int           // default 4096
	MinDim        int           // default 1
	MaxDim        int           // default 1000
	MaxFrameBytes int           // default 65536, wire codec frame size ceiling
	MaxInputBytes int64         // default 10485760, cumulative per-session input cap
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   30 * time.Minute,
		SweepInterval: 60 * time.Second,
		PTYChunkSize:  4096,
		MinDim:        1,
		MaxDim:        1000,
		MaxFrameBytes: ws.DefaultMaxFrameBytes,
		MaxInputBytes: session.DefaultMaxInputBytes,
	}
}

// Orchestrator wires the exec adapter and rate limiter into connection
// handling. One Orchestrator serves every connection; each call to Open
// runs one connection's full lifecycle.
type Orchestrator struct {
	Exec      execadapter.Adapter
	RateLimit ratelimit.Adapter
	Cfg       Config

	mu    sync.Mutex
	conns map[string]*outboundWriter
	wg    sync.WaitGroup
}

func New(exec execadapter.Adapter, rl ratelimit.Adapter, cfg Config) *Orchestrator {
	return &Orchestrator{Exec: exec, RateLimit: rl, Cfg: cfg, conns: make(map[string]*outboundWriter)}
}

// Shutdown closes every currently open client connection with code 1001
// ("going away") and waits for their Open calls to finish tearing down,
// bounded by ctx. Safe to call once, typically from the process's signal
// handler ahead of http.Server.Shutdown (which alone never notices
// long-lived hijacked connections like WebSockets).
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	writers := make([]*outboundWriter, 0, len(o.conns))
	for _, w := range o.conns {
		writers = append(writers, w)
	}
	o.mu.Unlock()
	for _, w := range writers {
		w.closeWith(websocket.StatusGoingAway, "server shutting down")
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs Open to
// completion. Suitable for mounting directly as an http.Handler.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !o.RateLimit.CheckConnection(ip) {
		slog.Warn("bridge: connection rate limit exceeded", "ip", ip)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("bridge: websocket accept failed", "err", err)
		return
	}
	o.Open(r.Context(), conn, ip, r.UserAgent())
}

// clientChannel is the minimal surface Open needs from a transport
// connection; *websocket.Conn satisfies it.
type clientChannel interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Open runs one connection's entire lifecycle to completion. It always
// returns after the connection is fully torn down: every session
// closed, the connection untracked, the idle sweeper stopped, no
// lingering reader tasks.
func (o *Orchestrator) Open(ctx context.Context, conn clientChannel, clientIP, userAgent string) {
	connID := uuid.NewString()
	registry := session.NewRegistry()
	out := newOutboundWriter(conn)

	o.RateLimit.Track(connID, clientIP, userAgent)
	defer o.RateLimit.Untrack(connID)

	o.mu.Lock()
	o.conns[connID] = out
	o.mu.Unlock()
	o.wg.Add(1)
	defer func() {
		o.mu.Lock()
		delete(o.conns, connID)
		o.mu.Unlock()
		o.wg.Done()
	}()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := slog.With("conn_id", connID, "client_ip", clientIP)
	log.Info("bridge: connection opened")
	defer log.Info("bridge: connection closed")

	g, gctx := errgroup.WithContext(cctx)
	g.Go(func() error {
		o.sweepIdle(gctx, registry, out, log)
		return nil
	})
	g.Go(func() error {
		return o.dispatchLoop(gctx, conn, registry, out, connID, clientIP, log)
	})

	_ = g.Wait()
	cancel()
	registry.CloseAll()
	out.closeWith(websocket.StatusInternalError, "")
}

func (o *Orchestrator) dispatchLoop(ctx context.Context, conn clientChannel, registry *session.Registry, out *outboundWriter, connID, clientIP string, log *slog.Logger) error {
	for {
		typ, raw, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, msgType, oversizeErr := ws.Decode(raw, o.Cfg.MaxFrameBytes)
		if oversizeErr != nil {
			out.sendError("", fmt.Sprintf("frame too large: %v", oversizeErr))
			continue
		}
		if msg == nil {
			if msgType != "" {
				log.Debug("bridge: unknown frame type", "type", msgType)
			}
			continue
		}
		switch m := msg.(type) {
		case ws.CreateSession:
			o.handleCreateSession(ctx, registry, out, m, log)
		case ws.Input:
			o.handleInput(registry, out, clientIP, m, log)
		case ws.Resize:
			o.handleResize(registry, out, m, log)
		case ws.CloseSession:
			o.handleCloseSession(registry, out, m)
		}
	}
}

func (o *Orchestrator) handleCreateSession(ctx context.Context, registry *session.Registry, out *outboundWriter, m ws.CreateSession, log *slog.Logger) {
	if m.SessionID == "" {
		out.sendError("", "sessionId is required")
		return
	}
	if registry.Has(m.SessionID) {
		out.send(ws.NewSessionCreated(m.SessionID))
		return
	}
	container, err := o.Exec.EnsureRunning()
	if err != nil {
		out.sendError(m.SessionID, fmt.Sprintf("workspace not ready: %v", err))
		return
	}
	env := map[string]string{}
	handle, err := o.Exec.CreateExec(ctx, container, nil, "workspace", env)
	if err != nil {
		out.sendError(m.SessionID, fmt.Sprintf("create exec failed: %v", err))
		return
	}
	readerCtx, cancelReader := context.WithCancel(context.Background())
	sess := session.New(m.SessionID, handle.ExecID, handle.Stream, cancelReader)
	registry.Insert(sess)
	out.send(ws.NewSessionCreated(m.SessionID))
	go runReader(readerCtx, sess, registry, out, o.Cfg.PTYChunkSize, log)
}

func (o *Orchestrator) handleInput(registry *session.Registry, out *outboundWriter, clientIP string, m ws.Input, log *slog.Logger) {
	sess := registry.Get(m.SessionID)
	if sess == nil {
		out.sendError(m.SessionID, "session not found")
		return
	}
	if !o.RateLimit.CheckCommand(clientIP) {
		out.sendError(m.SessionID, "rate limit exceeded")
		return
	}
	data := []byte(m.Data)
	maxFrame := o.Cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = ws.DefaultMaxFrameBytes
	}
	if len(data) > maxFrame {
		out.sendError(m.SessionID, "input too large")
		return
	}
	total := sess.Touch(len(data))
	maxInput := o.Cfg.MaxInputBytes
	if maxInput <= 0 {
		maxInput = session.DefaultMaxInputBytes
	}
	if total > maxInput {
		out.sendError(m.SessionID, "input quota exceeded")
		closeSession(registry, out, m.SessionID)
		return
	}
	if err := writeWithRetry(sess.Stream, data); err != nil {
		log.Warn("bridge: pty write failed", "session_id", m.SessionID, "err", err)
		out.sendError(m.SessionID, "write failed")
		closeSession(registry, out, m.SessionID)
	}
}

func (o *Orchestrator) handleResize(registry *session.Registry, out *outboundWriter, m ws.Resize, log *slog.Logger) {
	if m.Cols < o.Cfg.MinDim || m.Cols > o.Cfg.MaxDim || m.Rows < o.Cfg.MinDim || m.Rows > o.Cfg.MaxDim {
		out.sendError(m.SessionID, "invalid dimensions")
		return
	}
	sess := registry.Get(m.SessionID)
	if sess == nil {
		out.sendError(m.SessionID, "session not found")
		return
	}
	if err := o.Exec.ResizeExec(execadapter.ExecHandle{ExecID: sess.ExecID}, m.Cols, m.Rows); err != nil {
		log.Warn("bridge: resize failed", "session_id", m.SessionID, "err", err)
		out.sendError(m.SessionID, "resize failed")
	}
}

func (o *Orchestrator) handleCloseSession(registry *session.Registry, out *outboundWriter, m ws.CloseSession) {
	closeSession(registry, out, m.SessionID)
}

// closeSession removes, closes, and announces a session's closure. Safe
// to call for an id that is already gone: it still emits
// session_closed, matching the idempotency decision documented for
// close_session on an unknown id.
func closeSession(registry *session.Registry, out *outboundWriter, sessionID string) {
	if sess := registry.Remove(sessionID); sess != nil {
		slog.Debug("bridge: closing session", "session_id", sessionID, "input_total", humanize.Bytes(uint64(sess.InputTotalBytes())))
		_ = sess.Close()
	}
	out.send(ws.NewSessionClosed(sessionID))
}

// writeWithRetry retries the unwritten remainder of a transient
// short-write/would-block once after a fixed ~10ms, per the spec's
// bounded-retry requirement for PTY input.
func writeWithRetry(stream session.Stream, data []byte) error {
	n, err := stream.Write(data)
	if err == nil {
		return nil
	}
	if !isTransient(err) {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	_, err = stream.Write(data[n:])
	return err
}

func isTransient(err error) bool {
	return strings.Contains(err.Error(), "resource temporarily unavailable") ||
		strings.Contains(err.Error(), "would block")
}

func (o *Orchestrator) sweepIdle(ctx context.Context, registry *session.Registry, out *outboundWriter, log *slog.Logger) {
	ticker := time.NewTicker(o.Cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, sess := range registry.Snapshot() {
				if now.Sub(sess.LastActivity()) > o.Cfg.IdleTimeout {
					log.Info("bridge: reaping idle session", "session_id", sess.SessionID)
					out.sendError(sess.SessionID, fmt.Sprintf("Session idle timeout (%s).", o.Cfg.IdleTimeout))
					closeSession(registry, out, sess.SessionID)
				}
			}
		}
	}
}

// runReader is the PTY Reader Task: one per session, draining its
// stream and handing decoded output frames to the Outbound Writer. It
// never writes to the client channel directly.
func runReader(ctx context.Context, sess *session.PTYSession, registry *session.Registry, out *outboundWriter, chunkSize int, log *slog.Logger) {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	buf := make([]byte, chunkSize)
	var pending []byte // carries a trailing partial UTF-8 sequence across reads
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := sess.Stream.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			valid, rest := splitValidUTF8(pending)
			pending = rest
			if len(valid) > 0 {
				out.send(ws.NewOutput(sess.SessionID, toUTF8(valid)))
			}
		}
		if err != nil {
			if len(pending) > 0 {
				out.send(ws.NewOutput(sess.SessionID, toUTF8(pending)))
			}
			if registry.Remove(sess.SessionID) != nil {
				_ = sess.Close()
				out.send(ws.NewSessionClosed(sess.SessionID))
			}
			if !isEOF(err) {
				log.Debug("bridge: pty reader exiting", "session_id", sess.SessionID, "err", err)
			}
			return
		}
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// splitValidUTF8 splits b into the bytes that can be emitted now and a
// trailing incomplete multi-byte sequence that a read boundary may have
// cut, so the caller can hold the latter until the next read. Malformed
// bytes elsewhere stay in the first part for toUTF8 to replace.
func splitValidUTF8(b []byte) (valid, rest []byte) {
	if utf8.Valid(b) {
		return b, nil
	}
	// Walk back from the end, holding back at most the max rune width
	// worth of trailing bytes for the next read to complete.
	const maxHold = utf8.UTFMax - 1
	for i := len(b) - 1; i >= 0 && i >= len(b)-maxHold; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i], append([]byte(nil), b[i:]...)
			}
			break
		}
	}
	return b, nil
}

// toUTF8 replaces any remaining malformed sequences with U+FFFD rather
// than aborting the session, per the spec's UTF-8 replacement policy.
func toUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		sb.WriteRune(r)
		b = b[size:]
	}
	return sb.String()
}

// outboundWriter serializes every frame written to the client channel
// so concurrent PTY readers never interleave mid-frame.
type outboundWriter struct {
	mu     sync.Mutex
	conn   clientChannel
	closed bool
}

func newOutboundWriter(conn clientChannel) *outboundWriter {
	return &outboundWriter{conn: conn}
}

func (w *outboundWriter) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("bridge: marshal outbound frame", "err", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Warn("bridge: outbound write failed", "err", err)
	}
}

func (w *outboundWriter) sendError(sessionID, msg string) {
	w.send(ws.NewError(sessionID, msg))
}

// closeWith closes the underlying connection exactly once; later calls
// (e.g. both an orchestrator-wide Shutdown and the connection's own
// teardown) are no-ops, so the code/reason of the first call wins.
func (w *outboundWriter) closeWith(code websocket.StatusCode, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	_ = w.conn.Close(code, reason)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
