package coap

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kirale/kibra/internal/bbrerrors"
)

// Handler answers a single CoAP POST. respond is false for requests
// that must not be acknowledged at all (NON, multicast, or a silent
// protocol drop); when true, resp is sent back to the requester.
type Handler interface {
	HandlePost(ctx context.Context, req Message, from Endpoint) (resp Message, respond bool)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Message, from Endpoint) (Message, bool)

func (f HandlerFunc) HandlePost(ctx context.Context, req Message, from Endpoint) (Message, bool) {
	return f(ctx, req, from)
}

// Server binds one (address, port, zone) triple and dispatches POSTs
// by Uri-Path to registered Handlers (spec.md §4.3 "CoAP server mux").
// Multiple Servers may be bound simultaneously to serve the same URI
// set on several addresses (mesh RLOC, link-local, ALOC, backbone
// link-local, prefix-derived multicast groups).
type Server struct {
	ep       Endpoint
	sock     *Socket
	handlers map[string]Handler
	log      *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewServer binds ep and starts serving handlers in the background.
// Close or Restart stop the background loop.
func NewServer(ep Endpoint, handlers map[string]Handler, log *zap.SugaredLogger) (*Server, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	sock, err := Listen(ep)
	if err != nil {
		return nil, &bbrerrors.StartupError{Task: "coap-server:" + ep.String(), Wrapped: err}
	}
	s := &Server{ep: ep, sock: sock, handlers: handlers, log: log}
	s.start()
	return s, nil
}

func (s *Server) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.serve(ctx)
}

func (s *Server) serve(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		data, addr, err := s.sock.Receive(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		req, err := Decode(data)
		if err != nil {
			s.log.Debugw("dropping malformed coap datagram", "addr", addr, "error", err)
			continue
		}
		handler, ok := s.handlers[req.Path]
		if !ok {
			continue
		}
		from := Endpoint{Addr: addr.IP.String(), Port: addr.Port}
		go s.dispatch(ctx, handler, req, from)
	}
}

func (s *Server) dispatch(ctx context.Context, h Handler, req Message, from Endpoint) {
	resp, respond := h.HandlePost(ctx, req, from)
	if !respond {
		return
	}
	resp.Type = TypeAcknowledgement
	resp.MessageID = req.MessageID
	resp.Token = req.Token
	if err := s.sock.Send(ctx, resp.Encode(), from); err != nil {
		s.log.Debugw("failed to send coap response", "to", from.String(), "error", err)
	}
}

// Endpoint returns the address this server is bound to.
func (s *Server) Endpoint() Endpoint { return s.ep }

// Close stops serving and releases the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	err := s.sock.Close()
	if s.done != nil {
		<-s.done
	}
	return err
}

// Restart rebinds the server to a new endpoint (e.g. the mesh RLOC
// moved) without disturbing any other Server instance.
func (s *Server) Restart(ep Endpoint) error {
	if err := s.Close(); err != nil {
		return err
	}
	sock, err := Listen(ep)
	if err != nil {
		return &bbrerrors.StartupError{Task: "coap-server:" + ep.String(), Wrapped: err}
	}
	s.mu.Lock()
	s.ep = ep
	s.sock = sock
	s.mu.Unlock()
	s.start()
	return nil
}

// Mux is a set of Servers sharing the same handler registrations,
// letting the role manager bind/unbind whole groups of addresses at
// once (spec.md §4.3, §4.13).
type Mux struct {
	log      *zap.SugaredLogger
	servers  map[string]*Server
	handlers map[string]Handler
	mu       sync.Mutex
}

// NewMux creates an empty Mux.
func NewMux(log *zap.SugaredLogger) *Mux {
	return &Mux{log: log, servers: make(map[string]*Server), handlers: make(map[string]Handler)}
}

// Handle registers a handler for a Uri-Path across every server
// subsequently bound through this Mux.
func (m *Mux) Handle(uri string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[uri] = h
}

// Bind starts (or rebinds, if name already bound) a Server at ep under name.
func (m *Mux) Bind(name string, ep Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.servers[name]; ok {
		return existing.Restart(ep)
	}
	srv, err := NewServer(ep, m.handlers, m.log)
	if err != nil {
		return err
	}
	m.servers[name] = srv
	return nil
}

// Unbind stops and removes the named server.
func (m *Mux) Unbind(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[name]
	if !ok {
		return nil
	}
	delete(m.servers, name)
	return srv.Close()
}

// UnbindAll stops every bound server.
func (m *Mux) UnbindAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, srv := range m.servers {
		if err := srv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.servers, name)
	}
	return firstErr
}
