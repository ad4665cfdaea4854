// Package ipc is the gateway's local-socket protocol adapter (spec
// §4.7): a POSIX Unix domain socket listener enforcing both a bearer
// token and a peer-uid allowlist (SPEC_FULL.md §13's "enforce both"
// decision), reusing the Streaming Engine's length-prefixed binary
// framing for its wire messages. No pack repo implements a production
// UDS IPC server — the two net.Listen("unix", ...) hits in the pack are
// both test helpers in gravitational-teleport, not an adapter — so the
// listener/accept loop follows plain Go stdlib idiom (see DESIGN.md).
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/boeni-industries/aico-gateway/internal/errs"
	"github.com/boeni-industries/aico-gateway/internal/pipeline"
	"github.com/boeni-industries/aico-gateway/internal/streaming"
	"github.com/boeni-industries/aico-gateway/pkg/gwlog"
)

// Config carries the IPC adapter's socket path and access policy.
type Config struct {
	SocketPath     string
	BearerToken    string
	AllowedUIDs    []uint32
	RequireBearer  bool // both default to true when neither is set;
	RequirePeerUID bool // setting one leaves the other as given
	SocketMode     os.FileMode // default 0660
}

func (c Config) withDefaults() Config {
	if c.SocketMode == 0 {
		c.SocketMode = 0660
	}
	return c
}

type frame struct {
	CorrelationID string          `json:"correlation_id"`
	Method        string          `json:"method"`
	Path          string          `json:"path"`
	BearerToken   string          `json:"bearer_token"`
	Envelope      json.RawMessage `json:"envelope"`
}

type replyFrame struct {
	CorrelationID string          `json:"correlation_id"`
	Success       bool            `json:"success"`
	Envelope      json.RawMessage `json:"envelope,omitempty"`
	Error         map[string]any  `json:"error,omitempty"`
}

// Recorder observes completed frame round trips for the Lifecycle
// Manager's Prometheus collectors. Nil-safe.
type Recorder interface {
	Observe(transport, method, path, status string, dur time.Duration)
}

// Server is the IPC protocol adapter, fitting internal/container.Service.
type Server struct {
	cfg      Config
	log      *gwlog.Logger
	pipeline *pipeline.Pipeline
	allowed  map[uint32]bool
	recorder Recorder

	listener net.Listener
	done     chan struct{}
}

func NewServer(cfg Config, pl *pipeline.Pipeline, log *gwlog.Logger) *Server {
	if log == nil {
		log = gwlog.NewDefault("ipc")
	}
	cfg = cfg.withDefaults()
	if !cfg.RequireBearer && !cfg.RequirePeerUID {
		cfg.RequireBearer = true
		cfg.RequirePeerUID = true
	}
	allowed := make(map[uint32]bool, len(cfg.AllowedUIDs))
	for _, uid := range cfg.AllowedUIDs {
		allowed[uid] = true
	}
	return &Server{cfg: cfg, log: log, pipeline: pl, allowed: allowed, done: make(chan struct{})}
}

// WithRecorder attaches a metrics Recorder, returning the Server for
// chaining at construction time.
func (s *Server) WithRecorder(r Recorder) *Server {
	s.recorder = r
	return s
}

func (s *Server) Name() string { return "ipc-adapter" }

func (s *Server) Start(ctx context.Context) error {
	_ = os.Remove(s.cfg.SocketPath)
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, s.cfg.SocketMode); err != nil {
		s.log.Warnf("ipc: chmod socket: %v", err)
	}
	s.listener = ln

	go s.acceptLoop()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	close(s.done)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log.Errorf("ipc: accept: %v", err)
				return
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if s.cfg.RequirePeerUID {
		unixConn, ok := conn.(*net.UnixConn)
		if !ok {
			s.log.Warnf("ipc: non-unix connection rejected")
			return
		}
		uid, err := peerUID(unixConn)
		if err != nil || !s.allowed[uid] {
			s.log.Warnf("ipc: peer uid rejected: %v", err)
			return
		}
	}

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}
		for {
			payload, consumed, ok := streaming.ReadLengthPrefixed(buf)
			if !ok {
				break
			}
			buf = append([]byte(nil), buf[consumed:]...)

			var f frame
			if jsonErr := json.Unmarshal(payload, &f); jsonErr != nil {
				s.writeReply(conn, &writeMu, replyFrame{Error: errs.New(errs.KindBadPayload, "malformed frame").Body()})
				continue
			}

			wg.Add(1)
			go func(f frame) {
				defer wg.Done()
				s.handleFrame(conn, &writeMu, f)
			}(f)
		}
		if err != nil {
			break
		}
	}

	wg.Wait()
}

func (s *Server) handleFrame(conn net.Conn, writeMu *sync.Mutex, f frame) {
	if s.cfg.RequireBearer && f.BearerToken != s.cfg.BearerToken {
		s.writeReply(conn, writeMu, replyFrame{
			CorrelationID: f.CorrelationID,
			Error:         errs.New(errs.KindAuthMissing, "missing or invalid bearer token").Body(),
		})
		return
	}

	ctx := pipeline.NewContext(context.Background(), 30*time.Second)
	defer ctx.Cancel()
	ctx.ClientID = f.CorrelationID
	ctx.Transport = pipeline.TransportIPC
	ctx.Method = f.Method
	ctx.Path = f.Path
	ctx.RawPayload = f.Envelope

	out := replyFrame{CorrelationID: f.CorrelationID}

	start := time.Now()
	runErr := s.pipeline.Run(ctx)
	s.record(f.Method, f.Path, runErr, time.Since(start))

	if runErr != nil {
		e := errs.Classify(runErr)
		out.Error = e.Body()
		s.writeReply(conn, writeMu, out)
		return
	}

	out.Success = true
	if env, ok := ctx.Get("response_envelope"); ok {
		out.Envelope = env.([]byte)
	} else if ctx.ResponsePayload != nil {
		encoded, _ := json.Marshal(ctx.ResponsePayload)
		out.Envelope = encoded
	}
	s.writeReply(conn, writeMu, out)
}

func (s *Server) record(method, path string, runErr error, dur time.Duration) {
	if s.recorder == nil {
		return
	}
	status := "ok"
	if runErr != nil {
		status = string(errs.Classify(runErr).Kind)
	}
	s.recorder.Observe("ipc", method, path, status, dur)
}

func (s *Server) writeReply(conn net.Conn, writeMu *sync.Mutex, reply replyFrame) {
	payload, err := json.Marshal(reply)
	if err != nil {
		s.log.Errorf("ipc: marshal reply: %v", err)
		return
	}
	framed := streaming.WriteLengthPrefixed(payload)

	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := conn.Write(framed); err != nil {
		s.log.Warnf("ipc: write failed: %v", err)
	}
}
