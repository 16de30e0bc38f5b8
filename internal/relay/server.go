package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/thejerf/suture/v4"

	"github.com/js-labs/mtunnel/internal/logger"
	"github.com/js-labs/mtunnel/internal/tunnel"
)

// Server accepts tunnel connections and serves each one with the relay as
// its handler. It implements suture.Service.
type Server struct {
	ln     net.Listener
	relay  *Relay
	cfg    tunnel.Config
	logger *logger.Logger

	wg sync.WaitGroup
}

// NewServer binds addr. Nothing is accepted until Serve runs.
func NewServer(addr string, r *Relay, cfg tunnel.Config) (*Server, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %s: %w", addr, err)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Server{ln: ln, relay: r, cfg: cfg, logger: log}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is done, then waits for every session
// to finish. An accept failure terminates the supervisor tree.
func (s *Server) Serve(ctx context.Context) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer s.wg.Wait()
	defer cancel()
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	s.logger.Info("accepting tunnel connections on %s", s.ln.Addr())
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if parent.Err() != nil {
				return parent.Err()
			}
			s.ln.Close()
			return &FatalError{Err: fmt.Errorf("accept: %w", err)}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := tunnel.Serve(ctx, nc, s.relay, s.cfg)
			switch {
			case err == nil, errors.Is(err, context.Canceled), errors.Is(err, tunnel.ErrPeerClosed):
				s.logger.Info("session with %s ended: %v", nc.RemoteAddr(), err)
			default:
				s.logger.Warning("session with %s ended: %v", nc.RemoteAddr(), err)
			}
		}()
	}
}

// FatalError wraps an error that must stop the whole supervisor tree rather
// than restart the failed service.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func (e *FatalError) Is(target error) bool {
	return target == suture.ErrTerminateSupervisorTree
}

func (s *Server) String() string {
	return "relay.Server@" + s.ln.Addr().String()
}
