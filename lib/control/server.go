package control

import (
	"context"
	"net"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/server"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// ServiceName prefixes every method.
const ServiceName = "node"

// Provider supplies the data behind each method. *node.Node implements it.
type Provider interface {
	Status() Status
	Circuits() []Circuit
	Bandwidth() Bandwidth
	Peers() []Peer
	CloseCircuit(id uint32) error
}

// Service adapts a Provider to jrpc2 handlers.
type Service struct {
	p Provider
}

// NewService returns the service for p.
func NewService(p Provider) Service {
	return Service{p: p}
}

func (s Service) Status(ctx context.Context) (Status, error) {
	return s.p.Status(), nil
}

func (s Service) Circuits(ctx context.Context) ([]Circuit, error) {
	return s.p.Circuits(), nil
}

func (s Service) Bandwidth(ctx context.Context) (Bandwidth, error) {
	return s.p.Bandwidth(), nil
}

func (s Service) Peers(ctx context.Context) ([]Peer, error) {
	return s.p.Peers(), nil
}

func (s Service) CloseCircuit(ctx context.Context, args CloseCircuitArgs) (bool, error) {
	if err := s.p.CloseCircuit(args.ID); err != nil {
		return false, err
	}
	return true, nil
}

// Assigner maps "node.*" to the service for p.
func Assigner(p Provider) jrpc2.Assigner {
	return handler.ServiceMap{
		ServiceName: handler.NewService(NewService(p)),
	}
}

// Listen serves p on addr until ctx is done. An addr containing a slash is
// treated as a unix socket path.
func Listen(ctx context.Context, addr string, p Provider) error {
	l, err := net.Listen(jrpc2.Network(addr), addr)
	if err != nil {
		return oops.Wrapf(err, "control listen on %s", addr)
	}
	return Serve(ctx, l, p)
}

// Serve accepts connections on l until ctx is done, then closes l.
func Serve(ctx context.Context, l net.Listener, p Provider) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	log.WithFields(logger.Fields{
		"at":     "control.Serve",
		"listen": l.Addr().String(),
	}).Info("serving control API")
	err := server.Loop(l, server.NewStatic(Assigner(p)), nil)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return oops.Wrapf(err, "control server")
	}
	return nil
}
