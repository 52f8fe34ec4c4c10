package ngcontrol

import (
	"context"
	"errors"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataandsignal/rtpengine/internal/iface"
	"github.com/dataandsignal/rtpengine/internal/persistence"
)

// Server is the inverse of the teacher's Engine.ConnUDP: instead of
// dialing out to an rtpengine proxy, it listens for NG commands and
// answers them itself.
type Server struct {
	conn     *net.UDPConn
	registry *Registry
	logger   zerolog.Logger
}

// NewServer binds a UDP listener at addr and wires it to a command
// registry built against ifaces.
func NewServer(addr *net.UDPAddr, ifaces *iface.Registry, logger zerolog.Logger) (*Server, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		conn:     conn,
		registry: NewRegistry(ifaces, logger),
		logger:   logger,
	}, nil
}

// LocalAddr reports the address the server is bound to.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the listening socket.
func (s *Server) Close() error {
	return s.conn.Close()
}

// SetPersister wires a call-state store into the server's command
// registry. See Registry.SetPersister.
func (s *Server) SetPersister(p persistence.Persister) {
	s.registry.SetPersister(p)
}

// Serve reads NG command datagrams until ctx is canceled or the socket
// closes, decoding each with DecodeRequest, dispatching it through the
// Registry, and writing the encoded Response back to the sender.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			s.logger.Debug().Err(err).Msg("ngcontrol: read failed")
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		go s.handle(peer, raw)
	}
}

// handle processes one datagram under its own trace ID, the server-side
// analogue of the teacher's Engine.GetCookie: a fresh identifier minted
// per request, here for correlating log lines rather than framing the
// wire message (the wire cookie is the client's, and is simply echoed
// back by EncodeResponse).
func (s *Server) handle(peer *net.UDPAddr, raw []byte) {
	trace := uuid.NewString()
	log := s.logger.With().Str("trace", trace).Str("peer", peer.String()).Logger()

	cookie, req, err := DecodeRequest(raw)
	if err != nil {
		log.Debug().Err(err).Msg("ngcontrol: decode failed")
		return
	}
	log.Debug().Str("command", string(req.Command)).Str("call-id", req.CallID).Msg("ngcontrol: dispatching command")

	resp := s.registry.Dispatch(req)

	out, err := EncodeResponse(cookie, resp)
	if err != nil {
		log.Debug().Err(err).Msg("ngcontrol: encode failed")
		return
	}
	if _, err := s.conn.WriteToUDP(out, peer); err != nil {
		log.Debug().Err(err).Msg("ngcontrol: write failed")
	}
}
