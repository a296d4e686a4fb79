package quictransport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peergate/internal/auth"
	"peergate/internal/engine"
	"peergate/internal/handshake"
	"peergate/internal/noncereg"
	"peergate/internal/payment"
	"peergate/internal/session"
	"peergate/internal/wallet"
)

// startServer runs a server on a loopback listener and returns its address.
func startServer(t *testing.T, describe Describe) (string, *engine.Engine) {
	t.Helper()
	serverWallet, err := wallet.GenerateKeyWallet()
	require.NoError(t, err)
	eng := engine.New(engine.Options{Wallet: serverWallet})
	t.Cleanup(eng.Close)

	tlsConf, err := serverTLSConfig()
	require.NoError(t, err)
	listener, err := quic.ListenAddr("127.0.0.1:0", tlsConf, nil)
	require.NoError(t, err)

	srv := NewServer(Options{Engine: eng, Describe: describe})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, listener) }()

	return listener.Addr().String(), eng
}

func newClient(t *testing.T) *handshake.Engine {
	t.Helper()
	w, err := wallet.GenerateKeyWallet()
	require.NoError(t, err)
	return handshake.New(handshake.Options{
		Wallet:   w,
		Sessions: session.NewStore(),
		Nonces:   noncereg.New(noncereg.NamespaceAuth, 0),
	})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// quicHandshake completes the mutual handshake over the wire and returns the
// client's authenticated session.
func quicHandshake(t *testing.T, ctx context.Context, addr string, client *handshake.Engine) *session.Session {
	t.Helper()
	initial, err := client.Initiate()
	require.NoError(t, err)
	raw, err := Send(ctx, addr, initial)
	require.NoError(t, err)
	reply, err := auth.DecodeMessage(raw)
	require.NoError(t, err)
	require.Equal(t, auth.MsgTypeInitialResponse, reply.MessageType)

	sess, confirm, err := client.HandleInitialResponse(reply)
	require.NoError(t, err)
	raw, err = Send(ctx, addr, confirm)
	require.NoError(t, err)
	require.Empty(t, raw)
	return sess
}

func TestHandshakeOverQUIC(t *testing.T) {
	addr, _ := startServer(t, nil)
	ctx := testContext(t)
	client := newClient(t)

	sess := quicHandshake(t, ctx, addr, client)
	require.True(t, sess.Authenticated())

	// A signed general message rides the authenticated session.
	msg, err := client.SignGeneral(sess, []byte(`{"op":"status"}`))
	require.NoError(t, err)
	raw, err := Send(ctx, addr, msg)
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestMalformedMessageOverQUIC(t *testing.T) {
	addr, _ := startServer(t, nil)
	ctx := testContext(t)
	client := newClient(t)
	quicHandshake(t, ctx, addr, client)

	raw, err := Send(ctx, addr, auth.AuthMessage{MessageType: auth.MsgTypeGeneral, Nonce: "zz", IdentityKey: "zz", Signature: "zz"})
	require.NoError(t, err)
	var werr wireError
	require.NoError(t, json.Unmarshal(raw, &werr))
	assert.Equal(t, auth.CodeMalformed, werr.Code)
}

func TestPricedResourceOverQUIC(t *testing.T) {
	// Empty-payload messages (the handshake confirm) stay free; anything
	// carrying a payload is priced.
	describe := func(m auth.AuthMessage) (string, uint64) {
		if len(m.Payload) == 0 {
			return "quic", 0
		}
		return "quic premium", 500
	}
	addr, _ := startServer(t, describe)
	ctx := testContext(t)
	client := newClient(t)
	sess := quicHandshake(t, ctx, addr, client)

	// No artifact: terms come back as a structured rejection.
	msg, err := client.SignGeneral(sess, []byte(`{"op":"fetch"}`))
	require.NoError(t, err)
	raw, err := Send(ctx, addr, msg)
	require.NoError(t, err)
	var werr wireError
	require.NoError(t, json.Unmarshal(raw, &werr))
	require.Equal(t, auth.CodePaymentRequired, werr.Code)
	require.Equal(t, uint64(500), werr.SatoshisRequired)

	// Pay against the returned prefix inside the payload envelope.
	nonce, err := noncereg.NewNonce()
	require.NoError(t, err)
	envelope, err := json.Marshal(map[string]any{
		"payment": payment.Artifact{
			DerivationPrefix: werr.DerivationPrefix,
			Satoshis:         500,
			Nonce:            nonce,
			Transaction:      json.RawMessage(`{"satoshis":500,"txid":"tx-quic"}`),
		},
	})
	require.NoError(t, err)
	paid, err := client.SignGeneral(sess, envelope)
	require.NoError(t, err)
	raw, err = Send(ctx, addr, paid)
	require.NoError(t, err)
	assert.Empty(t, raw)
}
