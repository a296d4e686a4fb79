// Package quictransport carries the abstract message protocol over QUIC
// streams for peer-to-peer deployments that do not sit behind HTTP. Each
// stream holds one request message and one reply: the client writes a JSON
// AuthMessage and closes its write side, the server routes it and writes the
// reply before closing the stream.
package quictransport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"peergate/internal/auth"
	"peergate/internal/engine"
	"peergate/internal/payment"
	"peergate/internal/router"
)

const alpnProto = "peergate-quic"

// Describe resolves the logical resource and price for a general message
// received over QUIC. The default treats everything as a free resource.
type Describe func(msg auth.AuthMessage) (resourceID string, price uint64)

type Options struct {
	Engine   *engine.Engine
	Describe Describe
	Logger   *zap.Logger
}

type Server struct {
	engine   *engine.Engine
	describe Describe
	log      *zap.Logger
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Describe == nil {
		opts.Describe = func(auth.AuthMessage) (string, uint64) { return "quic", 0 }
	}
	return &Server{engine: opts.Engine, describe: opts.Describe, log: opts.Logger}
}

// wireError is the structured rejection written on a stream.
type wireError struct {
	Status           string `json:"status"`
	Code             string `json:"code"`
	Description      string `json:"description"`
	SatoshisRequired uint64 `json:"satoshisRequired,omitempty"`
	DerivationPrefix string `json:"derivationPrefix,omitempty"`
}

// ListenAndServe accepts connections on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on an existing listener until ctx is canceled.
func (s *Server) Serve(ctx context.Context, listener *quic.Listener) error {
	defer listener.Close()
	s.log.Info("quic listening", zap.Stringer("addr", listener.Addr()))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.serveStream(stream)
	}
}

func (s *Server) serveStream(stream *quic.Stream) {
	defer stream.Close()
	data, err := io.ReadAll(io.LimitReader(stream, auth.MaxMessageSize+1))
	if err != nil && !errors.Is(err, io.EOF) {
		return
	}
	msg, err := auth.DecodeMessage(data)
	if err != nil {
		s.writeErr(stream, err, nil)
		return
	}

	req := router.Request{Message: msg}
	if msg.MessageType == auth.MsgTypeGeneral {
		req.ResourceID, req.Price = s.describe(msg)
		if req.Price > 0 && len(msg.Payload) > 0 {
			// A priced general message embeds its artifact in the payload
			// envelope rather than a transport header.
			var env struct {
				Payment *payment.Artifact `json:"payment"`
			}
			if err := json.Unmarshal(msg.Payload, &env); err == nil {
				req.Payment = env.Payment
			}
		}
	}

	decision := s.engine.Router.Route(req)
	switch {
	case decision.Err != nil:
		s.writeErr(stream, decision.Err, decision.Terms)
	case decision.Reply != nil:
		out, err := auth.EncodeMessage(*decision.Reply)
		if err != nil {
			return
		}
		_, _ = stream.Write(out)
	default:
		// Accepted with nothing to send back.
	}
}

func (s *Server) writeErr(stream *quic.Stream, err error, terms *payment.Terms) {
	var perr *auth.ProtocolError
	if !errors.As(err, &perr) {
		perr = auth.ErrServerMisconfigured
	}
	body := wireError{Status: "error", Code: perr.Code, Description: perr.Reason}
	if terms != nil {
		body.Code = auth.CodePaymentRequired
		body.SatoshisRequired = terms.SatoshisRequired
		body.DerivationPrefix = terms.DerivationPrefix
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	_, _ = stream.Write(data)
}

// Send opens a stream to addr, writes one message and returns the peer's
// raw reply bytes (a reply AuthMessage or a wireError).
func Send(ctx context.Context, addr string, msg auth.AuthMessage) ([]byte, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	data, err := auth.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(data); err != nil {
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, err
	}
	reply, err := io.ReadAll(io.LimitReader(stream, auth.MaxMessageSize+1))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return reply, nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate. Channel
// privacy is not part of the trust model here: peers authenticate each other
// with the handshake protocol, not with transport certificates.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("peergate-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnProto},
	}, nil
}
