// Package ws is the gateway's WebSocket protocol adapter (spec §4.7,
// §5): full-duplex frames matched by correlation id, one connection
// reusing a single client id for its lifetime. Grounded on
// rjsadow-sortie/internal/websocket/proxy.go's upgrader configuration
// and goroutine-pair message-pumping shape; that file proxies frames
// verbatim to an upstream WS server, this adapter instead terminates
// the connection and drives each inbound frame through the Plugin
// Pipeline, reusing only the connection-management and error-channel
// join discipline (see DESIGN.md).
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/boeni-industries/aico-gateway/internal/errs"
	"github.com/boeni-industries/aico-gateway/internal/pipeline"
	"github.com/boeni-industries/aico-gateway/pkg/gwlog"
)

// Config carries the WebSocket adapter's listen address and buffer
// sizing.
type Config struct {
	Addr             string
	Path             string // default "/ws"
	ReadBufferSize   int    // default 4096
	WriteBufferSize  int    // default 4096
	HandshakeTimeout time.Duration
	AllowedOrigins   []string // empty means allow all, matching the teacher's dev-mode default
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 4096
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// inboundFrame is the wire shape of one client->server message: an
// encrypted envelope plus routing metadata and a caller-assigned
// correlation id for out-of-order full-duplex replies.
type inboundFrame struct {
	CorrelationID string          `json:"correlation_id"`
	Method        string          `json:"method"`
	Path          string          `json:"path"`
	Envelope      json.RawMessage `json:"envelope"`
}

type outboundFrame struct {
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

// Server is the WebSocket protocol adapter, fitting internal/container.Service.
type Server struct {
	cfg      Config
	log      *gwlog.Logger
	pipeline *pipeline.Pipeline
	upgrader websocket.Upgrader
	recorder Recorder

	http *http.Server
}

func NewServer(cfg Config, pl *pipeline.Pipeline, log *gwlog.Logger) *Server {
	if log == nil {
		log = gwlog.NewDefault("ws")
	}
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		log:      log,
		pipeline: pl,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      s.checkOrigin,
	}
	return s
}

// WithRecorder attaches a metrics Recorder, returning the Server for
// chaining at construction time.
func (s *Server) WithRecorder(r Recorder) *Server {
	s.recorder = r
	return s
}

func (s *Server) Name() string { return "ws-adapter" }

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: mux}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("ws adapter: listen: %v", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("ws adapter: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	var wg sync.WaitGroup

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break // connection closed or error; any in-flight goroutines still finish below
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.writeFrame(conn, &writeMu, outboundFrame{Error: errs.New(errs.KindBadPayload, "malformed frame").Body()})
			continue
		}

		wg.Add(1)
		go func(frame inboundFrame) {
			defer wg.Done()
			s.handleFrame(r.Context(), conn, &writeMu, clientID, frame)
		}(frame)
	}

	wg.Wait()
}

func (s *Server) handleFrame(parent context.Context, conn *websocket.Conn, writeMu *sync.Mutex, clientID string, frame inboundFrame) {
	ctx := pipeline.NewContext(parent, 30*time.Second)
	defer ctx.Cancel()

	ctx.ClientID = clientID
	ctx.Transport = pipeline.TransportWebSocket
	ctx.Method = frame.Method
	ctx.Path = frame.Path
	ctx.RawPayload = frame.Envelope

	out := outboundFrame{CorrelationID: frame.CorrelationID}

	start := time.Now()
	runErr := s.pipeline.Run(ctx)
	s.record(frame.Method, frame.Path, runErr, time.Since(start))

	if runErr != nil {
		e := errs.Classify(runErr)
		out.Error = e.Body()
		s.writeFrame(conn, writeMu, out)
		return
	}

	out.Success = true
	if env, ok := ctx.Get("response_envelope"); ok {
		out.Envelope = env.([]byte)
	} else if ctx.ResponsePayload != nil {
		encoded, _ := json.Marshal(ctx.ResponsePayload)
		out.Envelope = encoded
	}
	s.writeFrame(conn, writeMu, out)
}

func (s *Server) record(method, path string, runErr error, dur time.Duration) {
	if s.recorder == nil {
		return
	}
	status := "ok"
	if runErr != nil {
		status = string(errs.Classify(runErr).Kind)
	}
	s.recorder.Observe("ws", method, path, status, dur)
}

// writeFrame serializes writes: gorilla/websocket connections do not
// support concurrent writers, and handleFrame runs one goroutine per
// inbound message for full-duplex out-of-order replies.
func (s *Server) writeFrame(conn *websocket.Conn, writeMu *sync.Mutex, frame outboundFrame) {
	encoded, err := json.Marshal(frame)
	if err != nil {
		s.log.Errorf("ws adapter: marshal outbound frame: %v", err)
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		s.log.Warnf("ws adapter: write failed: %v", err)
	}
}
