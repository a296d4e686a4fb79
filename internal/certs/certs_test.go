package certs

import (
	"testing"

	"peergate/internal/auth"
	"peergate/internal/handshake"
	"peergate/internal/noncereg"
	"peergate/internal/session"
	"peergate/internal/wallet"
)

// certFixture wires two authenticated peers plus a certifier wallet, with the
// server requesting a "kyc" certificate from the client.
type certFixture struct {
	certifier *wallet.KeyWallet

	clientWallet *wallet.KeyWallet
	clientEng    *handshake.Engine
	clientSess   *session.Session
	clientX      *Exchange

	serverWallet *wallet.KeyWallet
	serverStore  *session.Store
	serverEng    *handshake.Engine
	serverX      *Exchange
}

func newCertFixture(t *testing.T, clientCert *auth.Certificate) *certFixture {
	t.Helper()
	certifier, err := wallet.GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate certifier failed: %v", err)
	}
	clientWallet, err := wallet.GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate client wallet failed: %v", err)
	}
	serverWallet, err := wallet.GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate server wallet failed: %v", err)
	}

	requested := &auth.RequestedCertificates{
		Certifiers: []string{certifier.IdentityKey().Hex()},
		Types:      map[string][]string{"kyc": {"name"}},
	}

	clientStore := session.NewStore()
	clientEng := handshake.New(handshake.Options{
		Wallet:   clientWallet,
		Sessions: clientStore,
		Nonces:   noncereg.New(noncereg.NamespaceAuth, 0),
	})
	serverStore := session.NewStore()
	serverEng := handshake.New(handshake.Options{
		Wallet:                serverWallet,
		Sessions:              serverStore,
		Nonces:                noncereg.New(noncereg.NamespaceAuth, 0),
		CertificatesToRequest: requested,
	})

	var presentable []auth.Certificate
	if clientCert != nil {
		presentable = []auth.Certificate{*clientCert}
	}
	clientX := New(Options{
		Engine:      clientEng,
		Sessions:    clientStore,
		Validator:   WalletValidator{Wallet: clientWallet},
		Presentable: presentable,
	})
	serverX := New(Options{
		Engine:    serverEng,
		Sessions:  serverStore,
		Validator: WalletValidator{Wallet: serverWallet},
		Requested: requested,
	})

	initial, err := clientEng.Initiate()
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	resp, err := serverEng.HandleInitial(initial)
	if err != nil {
		t.Fatalf("handle initial failed: %v", err)
	}
	if resp.RequestedCertificates == nil {
		t.Fatalf("initial response did not advertise requested certificates")
	}
	clientSess, confirm, err := clientEng.HandleInitialResponse(resp)
	if err != nil {
		t.Fatalf("handle initial response failed: %v", err)
	}
	if _, err := serverEng.VerifyGeneral(confirm); err != nil {
		t.Fatalf("verify confirm failed: %v", err)
	}

	return &certFixture{
		certifier:    certifier,
		clientWallet: clientWallet,
		clientEng:    clientEng,
		clientSess:   clientSess,
		clientX:      clientX,
		serverWallet: serverWallet,
		serverStore:  serverStore,
		serverEng:    serverEng,
		serverX:      serverX,
	}
}

func issueKYC(t *testing.T, certifier wallet.Wallet, subject auth.Identity, fields map[string]string) auth.Certificate {
	t.Helper()
	cert, err := Issue(certifier, "kyc", subject, fields)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	return cert
}

func TestIssueAndValidate(t *testing.T) {
	certifier, err := wallet.GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate certifier failed: %v", err)
	}
	subject, err := wallet.GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate subject failed: %v", err)
	}
	cert := issueKYC(t, certifier, subject.IdentityKey(), map[string]string{"name": "alice"})

	v := WalletValidator{Wallet: subject}
	if !v.Validate(cert, []string{certifier.IdentityKey().Hex()}, []string{"name"}) {
		t.Fatalf("valid certificate rejected")
	}

	tampered := cert
	tampered.Fields = map[string]string{"name": "mallory"}
	if v.Validate(tampered, []string{certifier.IdentityKey().Hex()}, []string{"name"}) {
		t.Fatalf("tampered fields accepted")
	}

	other, err := wallet.GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate wallet failed: %v", err)
	}
	if v.Validate(cert, []string{other.IdentityKey().Hex()}, []string{"name"}) {
		t.Fatalf("certificate from unlisted certifier accepted")
	}
	if v.Validate(cert, []string{certifier.IdentityKey().Hex()}, []string{"name", "dob"}) {
		t.Fatalf("certificate missing a required field accepted")
	}
}

func TestDiscloseSelectsMatchingCertificates(t *testing.T) {
	certifier, err := wallet.GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate certifier failed: %v", err)
	}
	subject, err := wallet.GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate subject failed: %v", err)
	}
	full := issueKYC(t, certifier, subject.IdentityKey(), map[string]string{"name": "alice", "dob": "1990-01-01"})
	narrow := issueKYC(t, certifier, subject.IdentityKey(), map[string]string{"name": "alice"})
	unrelated := auth.Certificate{Type: "membership", Certifier: certifier.IdentityKey().Hex()}

	req := auth.RequestedCertificates{
		Certifiers: []string{certifier.IdentityKey().Hex()},
		Types:      map[string][]string{"kyc": {"name"}},
	}
	out := Disclose([]auth.Certificate{unrelated, full, narrow}, req)
	if len(out) != 2 {
		t.Fatalf("expected 2 disclosed certificates, got %d", len(out))
	}
	for _, c := range out {
		if c.Type != "kyc" {
			t.Fatalf("disclosed certificate of wrong type %q", c.Type)
		}
	}

	req.Types = map[string][]string{"kyc": {"name", "dob"}}
	out = Disclose([]auth.Certificate{narrow}, req)
	if len(out) != 0 {
		t.Fatalf("certificate lacking a requested field disclosed")
	}
}

func TestCertificateRequestResponseFlow(t *testing.T) {
	f := newCertFixture(t, nil)
	cert := issueKYC(t, f.certifier, f.clientWallet.IdentityKey(), map[string]string{"name": "alice"})
	f.clientX.presentable = []auth.Certificate{cert}

	req, err := f.serverX.BuildRequest(f.serverSession(t))
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	if req.MessageType != auth.MsgTypeCertificateRequest {
		t.Fatalf("unexpected message type %q", req.MessageType)
	}

	resp, err := f.clientX.HandleRequest(req)
	if err != nil {
		t.Fatalf("handle request failed: %v", err)
	}
	if resp.MessageType != auth.MsgTypeCertificateResponse {
		t.Fatalf("unexpected message type %q", resp.MessageType)
	}
	if len(resp.Certificates) != 1 {
		t.Fatalf("expected 1 offered certificate, got %d", len(resp.Certificates))
	}

	if err := f.serverX.HandleResponse(resp); err != nil {
		t.Fatalf("handle response failed: %v", err)
	}
	sess, ok := f.serverStore.Find(f.clientSess.SessionNonce, f.clientWallet.IdentityKey(), 0)
	if !ok {
		t.Fatalf("server session gone after valid response")
	}
	attached := sess.Certificates()
	if len(attached) != 1 || attached[0].Signature != cert.Signature {
		t.Fatalf("certificate not attached to session")
	}

	select {
	case ev := <-f.serverX.Events():
		if !ev.Identity.Equal(f.clientWallet.IdentityKey()) {
			t.Fatalf("event for wrong identity")
		}
		if len(ev.Certificates) != 1 {
			t.Fatalf("event carries %d certificates, want 1", len(ev.Certificates))
		}
	default:
		t.Fatalf("no event delivered")
	}
}

func TestHandleResponseRejectsWrongSubject(t *testing.T) {
	f := newCertFixture(t, nil)
	stranger, err := wallet.GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate wallet failed: %v", err)
	}
	cert := issueKYC(t, f.certifier, stranger.IdentityKey(), map[string]string{"name": "alice"})

	resp, err := f.clientEng.SignGeneral(f.clientSess, nil)
	if err != nil {
		t.Fatalf("sign general failed: %v", err)
	}
	resp.MessageType = auth.MsgTypeCertificateResponse
	resp.Certificates = []auth.Certificate{cert}

	if err := f.serverX.HandleResponse(resp); err != auth.ErrCertificateInvalid {
		t.Fatalf("got %v, want ErrCertificateInvalid", err)
	}
	if f.serverStore.Len() != 0 {
		t.Fatalf("session survived an invalid certificate")
	}
}

func TestHandleResponseRejectsUnrequestedType(t *testing.T) {
	f := newCertFixture(t, nil)
	cert, err := Issue(f.certifier, "membership", f.clientWallet.IdentityKey(), map[string]string{"tier": "gold"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	resp, err := f.clientEng.SignGeneral(f.clientSess, nil)
	if err != nil {
		t.Fatalf("sign general failed: %v", err)
	}
	resp.MessageType = auth.MsgTypeCertificateResponse
	resp.Certificates = []auth.Certificate{cert}

	if err := f.serverX.HandleResponse(resp); err != auth.ErrCertificateInvalid {
		t.Fatalf("got %v, want ErrCertificateInvalid", err)
	}
}

// inlineFixture wires two engines whose exchanges carry certificates inside
// the handshake: the client requests, the server presents.
type inlineFixture struct {
	certifier    *wallet.KeyWallet
	clientEng    *handshake.Engine
	clientX      *Exchange
	clientStore  *session.Store
	serverEng    *handshake.Engine
	serverX      *Exchange
	serverWallet *wallet.KeyWallet
}

func newInlineFixture(t *testing.T) *inlineFixture {
	t.Helper()
	certifier, err := wallet.GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate certifier failed: %v", err)
	}
	clientWallet, err := wallet.GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate client wallet failed: %v", err)
	}
	serverWallet, err := wallet.GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate server wallet failed: %v", err)
	}
	requested := &auth.RequestedCertificates{
		Certifiers: []string{certifier.IdentityKey().Hex()},
		Types:      map[string][]string{"kyc": {"name"}},
	}

	clientStore := session.NewStore()
	clientEng := handshake.New(handshake.Options{
		Wallet:                clientWallet,
		Sessions:              clientStore,
		Nonces:                noncereg.New(noncereg.NamespaceAuth, 0),
		CertificatesToRequest: requested,
	})
	clientX := New(Options{
		Engine:    clientEng,
		Sessions:  clientStore,
		Validator: WalletValidator{Wallet: clientWallet},
		Requested: requested,
	})
	clientEng.UseCertificateCarrier(clientX)

	serverStore := session.NewStore()
	serverEng := handshake.New(handshake.Options{
		Wallet:   serverWallet,
		Sessions: serverStore,
		Nonces:   noncereg.New(noncereg.NamespaceAuth, 0),
	})
	serverX := New(Options{
		Engine:    serverEng,
		Sessions:  serverStore,
		Validator: WalletValidator{Wallet: serverWallet},
	})
	serverEng.UseCertificateCarrier(serverX)

	return &inlineFixture{
		certifier:    certifier,
		clientEng:    clientEng,
		clientX:      clientX,
		clientStore:  clientStore,
		serverEng:    serverEng,
		serverX:      serverX,
		serverWallet: serverWallet,
	}
}

func TestInlineCertificateCarriage(t *testing.T) {
	f := newInlineFixture(t)
	cert := issueKYC(t, f.certifier, f.serverWallet.IdentityKey(), map[string]string{"name": "acme"})
	f.serverX.presentable = []auth.Certificate{cert}

	initial, err := f.clientEng.Initiate()
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if initial.RequestedCertificates == nil {
		t.Fatalf("initial does not request certificates")
	}
	resp, err := f.serverEng.HandleInitial(initial)
	if err != nil {
		t.Fatalf("handle initial failed: %v", err)
	}
	if len(resp.Certificates) != 1 {
		t.Fatalf("initial response offers %d certificates, want 1", len(resp.Certificates))
	}

	sess, _, err := f.clientEng.HandleInitialResponse(resp)
	if err != nil {
		t.Fatalf("handle initial response failed: %v", err)
	}
	attached := sess.Certificates()
	if len(attached) != 1 || attached[0].Signature != cert.Signature {
		t.Fatalf("inline certificate not attached to session")
	}

	select {
	case ev := <-f.clientX.Events():
		if !ev.Identity.Equal(f.serverWallet.IdentityKey()) {
			t.Fatalf("event for wrong identity")
		}
	default:
		t.Fatalf("no event for inline certificates")
	}
}

func TestInlineCertificateWrongSubjectFailsHandshake(t *testing.T) {
	f := newInlineFixture(t)
	stranger, err := wallet.GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate wallet failed: %v", err)
	}

	initial, err := f.clientEng.Initiate()
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	resp, err := f.serverEng.HandleInitial(initial)
	if err != nil {
		t.Fatalf("handle initial failed: %v", err)
	}
	// The handshake signature does not cover certificates, so a bad set
	// must be caught by validation, not by the signature check.
	resp.Certificates = []auth.Certificate{
		issueKYC(t, f.certifier, stranger.IdentityKey(), map[string]string{"name": "acme"}),
	}

	if _, _, err := f.clientEng.HandleInitialResponse(resp); err != auth.ErrCertificateInvalid {
		t.Fatalf("got %v, want ErrCertificateInvalid", err)
	}
	if f.clientStore.Len() != 0 {
		t.Fatalf("session survived invalid inline certificates")
	}
}

// serverSession looks up the server-side session for the fixture's client.
func (f *certFixture) serverSession(t *testing.T) *session.Session {
	t.Helper()
	sess, ok := f.serverStore.Find(f.clientSess.SessionNonce, f.clientWallet.IdentityKey(), 0)
	if !ok {
		t.Fatalf("server session not found")
	}
	return sess
}
