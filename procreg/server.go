package procreg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/network/socket"
	"golang.org/x/sync/errgroup"
)

// Handler answers registrations.
type Handler interface {
	// Register assigns a node to a process. A returned error is sent as the reply's
	// result, mapped through retcode.FromError.
	Register(req Request) (socket.NodeID, error)
	// Exit is called once the registered process's connection closes.
	Exit(node socket.NodeID)
}

// Server accepts registrations on a unix socket.
type Server struct {
	ln      net.Listener
	handler Handler
}

// Listen binds path, replacing a stale socket file left by a previous daemon.
func Listen(path string, h Handler) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("procreg listen %s: %w", path, err)
	}
	return &Server{ln: ln, handler: h}, nil
}

// Addr returns the bound socket address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is done. It closes the listener and every
// connection before returning.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	conns := make(chan net.Conn)

	g.Go(func() error {
		<-ctx.Done()
		return s.ln.Close()
	})
	g.Go(func() error {
		defer close(conns)
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			select {
			case conns <- conn:
			case <-ctx.Done():
				conn.Close()
				return nil
			}
		}
	})
	for conn := range conns {
		g.Go(func() error {
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()
			s.serveConn(conn)
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	frame, err := readFrame(r)
	if err != nil {
		log.Warn().Err(err).Msg("procreg: bad request")
		return
	}
	var req Request
	if err := req.unmarshal(frame); err != nil {
		log.Warn().Err(err).Msg("procreg: bad request")
		return
	}

	node, err := s.handler.Register(req)
	reply := Reply{Node: node, Nonce: req.Nonce}
	if err != nil {
		reply.Result = retcode.FromError(err)
		log.Warn().Str("name", req.Name).Err(err).Msg("procreg: registration denied")
	}
	if werr := writeFrame(conn, reply.marshal()); werr != nil || err != nil {
		if err == nil {
			s.handler.Exit(node)
		}
		return
	}

	// the process holds the connection until it exits
	_, _ = io.Copy(io.Discard, r)
	s.handler.Exit(node)
}
