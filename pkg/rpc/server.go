// Package rpc serves an se.Service as JSON-RPC over HTTP. Methods live under
// the "se" service name ("se.OpenSession", "se.Transmit", ...) and byte
// fields are hex strings.
package rpc

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/rpc"
	gorillajson "github.com/gorilla/rpc/json"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gregLibert/secure-element/pkg/se"
)

// ServiceName is the prefix of every method name.
const ServiceName = "se"

func CreateRPCServer(service *se.Service, logger *zap.Logger) (*rpc.Server, error) {
	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(gorillajson.NewCodec(), "application/json")
	err := rpcServer.RegisterService(NewService(service, logger), ServiceName)
	return rpcServer, err
}

type Server struct {
	logger   *zap.Logger
	service  *se.Service
	server   *http.Server
	listener net.Listener
	address  string
}

func NewServer(service *se.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.L()
	}
	return &Server{
		logger:  logger.Named("server"),
		service: service,
	}
}

func (s *Server) Address() string {
	return s.address
}

// Handler routes /rpc to the JSON-RPC server.
func (s *Server) Handler() (http.Handler, error) {
	rpcServer, err := CreateRPCServer(s.service, s.logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create RPC server")
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", rpcServer)
	return mux, nil
}

func (s *Server) Listen(address string) error {
	if s.server != nil {
		return errors.New("server already started")
	}

	_, _, err := net.SplitHostPort(address)
	if err != nil {
		return errors.Wrap(err, "invalid address")
	}

	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.listener, err = net.Listen("tcp", address)
	if err != nil {
		s.server = nil
		return err
	}

	s.address = s.listener.Addr().String()
	return nil
}

// Serve blocks until Stop is called.
func (s *Server) Serve() {
	err := s.server.Serve(s.listener)
	if !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("rpc server closed with error", zap.Error(err))
	}
}

func (s *Server) Stop(ctx context.Context) {
	if s.server == nil {
		return
	}
	err := s.server.Shutdown(ctx)
	if err != nil {
		s.logger.Error("failed to shutdown rpc server", zap.Error(err))
	}

	s.server = nil
	s.address = ""
}
