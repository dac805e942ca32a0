// Package transport is the thin length-prefixed JSON-frame Unix-socket
// boundary from §6: it turns wire frames into Router.EmitEvent calls
// and frames responses (and originator mirror streams) back to the
// connected client. Framing and socket lifecycle are exercised here;
// authentication and multiplexed streaming beyond the chain-mirror
// model are left to an external collaborator.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ksi-run/ksid/internal/kevent"
	"github.com/ksi-run/ksid/internal/originator"
	"github.com/ksi-run/ksid/internal/runtime"
)

// Config controls the listening socket and frame limits.
type Config struct {
	SocketPath   string
	MaxFrameSize int
	RequestTimeout time.Duration
}

// frame is the wire shape for inbound requests (§6):
// {"event": "<name>", "data": {...}, "context"?: {...}}.
type frame struct {
	Event   string          `json:"event"`
	Data    map[string]any  `json:"data,omitempty"`
	Context *kevent.Context `json:"context,omitempty"`
}

// responseFrame is the wire shape for everything written back to the
// client: direct responses, mirrored chain events, and errors.
type responseFrame struct {
	Event   string         `json:"event"`
	Data    map[string]any `json:"data,omitempty"`
	Context kevent.Context `json:"_ksi_context"`
}

// Server accepts connections on a Unix-domain socket and dispatches
// each frame through router.EmitEvent.
type Server struct {
	config  Config
	router  *runtime.Router
	origins *originator.Registry
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New builds a transport server. origins may be nil if the deployment
// has no use for originator streaming.
func New(config Config, router *runtime.Router, origins *originator.Registry, logger *slog.Logger) *Server {
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = 4 << 20
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	return &Server{config: config, router: router, origins: origins, logger: logger}
}

// Serve removes any stale socket file, binds, and accepts connections
// until Close is called. Returns the listener's Accept error, which is
// net.ErrClosed after a clean Close.
func (s *Server) Serve() error {
	if err := os.RemoveAll(s.config.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.SocketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writeMu := &sync.Mutex{}
	var chainIDs []string
	var chainsMu sync.Mutex

	for {
		req, err := readFrame(reader, s.config.MaxFrameSize)
		if err != nil {
			if err != io.EOF && s.logger != nil {
				s.logger.Warn("transport read error", "error", err)
			}
			break
		}
		go func(req frame) {
			chainID := s.handleFrame(conn, writeMu, req)
			if chainID != "" {
				chainsMu.Lock()
				chainIDs = append(chainIDs, chainID)
				chainsMu.Unlock()
			}
		}(req)
	}

	if s.origins != nil {
		chainsMu.Lock()
		defer chainsMu.Unlock()
		for _, id := range chainIDs {
			s.origins.Remove(id)
		}
	}
}

// handleFrame dispatches one inbound frame and writes back its
// responses. It returns the chain_id a mirror was registered against,
// if any, so the connection's teardown can release it.
func (s *Server) handleFrame(conn net.Conn, writeMu *sync.Mutex, req frame) (mirroredChain string) {
	var parent *kevent.Context
	if req.Context != nil {
		parent = req.Context
	}
	event := kevent.Derive(req.Event, req.Data, parent, "transport")

	returnPath := event.Context.Originator.ReturnPath
	if returnPath != "" && s.origins != nil {
		rootID := event.Context.EventID
		s.origins.Register(event.Context.ChainID, returnPath, func(path string, mf originator.MirrorFrame) bool {
			if mf.Context.EventID == rootID {
				// The request itself is answered directly below, not mirrored.
				return true
			}
			err := s.writeResponse(conn, writeMu, responseFrame{
				Event: path, Data: map[string]any{"source_event": mf.SourceEvent, "data": mf.Data}, Context: mf.Context,
			})
			return err == nil
		})
		mirroredChain = event.Context.ChainID
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
	defer cancel()

	responses, err := s.router.EmitEvent(ctx, event, runtime.PriorityNormal)

	// The root handler for this chain has now resolved. Start the
	// grace-period teardown for its mirror (§4.5's normal path); a
	// terminal event observed earlier has already removed it via
	// Observe, making this a no-op for chains that ended that way.
	if mirroredChain != "" {
		s.origins.ResolveRoot(mirroredChain)
	}

	if err != nil {
		s.writeResponse(conn, writeMu, responseFrame{
			Event:   "error:transport",
			Data:    map[string]any{"error": err.Error(), "source_event": req.Event},
			Context: event.Context,
		})
		return mirroredChain
	}

	for _, resp := range responses {
		s.writeResponse(conn, writeMu, responseFrame{Event: req.Event, Data: resp, Context: event.Context})
	}
	return mirroredChain
}

func (s *Server) writeResponse(conn net.Conn, writeMu *sync.Mutex, resp responseFrame) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	return writeFrame(conn, body)
}

func readFrame(r *bufio.Reader, maxSize int) (frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return frame{}, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if int(size) > maxSize {
		return frame{}, fmt.Errorf("frame size %d exceeds max %d", size, maxSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(body, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
