package wallet

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	w, err := GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	data := []byte("payload under test")
	sig, err := w.Sign(data)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !w.Verify(w.IdentityKey(), data, sig) {
		t.Fatalf("own signature did not verify")
	}
	if w.Verify(w.IdentityKey(), []byte("different"), sig) {
		t.Fatalf("signature verified over different data")
	}

	other, err := GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if w.Verify(other.IdentityKey(), data, sig) {
		t.Fatalf("signature verified under wrong identity")
	}
}

func TestVerifyRejectsGarbageSignature(t *testing.T) {
	w, err := GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if w.Verify(w.IdentityKey(), []byte("data"), []byte{0x01, 0x02}) {
		t.Fatalf("garbage signature accepted")
	}
}

func TestInternalizePayment(t *testing.T) {
	w, err := GenerateKeyWallet()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	rcpt, err := w.InternalizePayment(json.RawMessage(`{"satoshis":250,"txid":"abc"}`))
	if err != nil {
		t.Fatalf("internalize failed: %v", err)
	}
	if !rcpt.Accepted || rcpt.Satoshis != 250 || rcpt.Reference != "abc" {
		t.Fatalf("unexpected receipt %+v", rcpt)
	}

	rcpt, err = w.InternalizePayment(json.RawMessage(`{"satoshis":0}`))
	if err != nil {
		t.Fatalf("internalize failed: %v", err)
	}
	if rcpt.Accepted {
		t.Fatalf("zero-amount payment accepted")
	}

	if _, err := w.InternalizePayment(json.RawMessage(`not json`)); err == nil {
		t.Fatalf("malformed blob accepted")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.json")

	priv, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	again, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !bytes.Equal(priv.Serialize(), again.Serialize()) {
		t.Fatalf("reloaded key differs")
	}

	w1, err := NewKeyWallet(priv)
	if err != nil {
		t.Fatalf("wallet failed: %v", err)
	}
	w2, err := NewKeyWallet(again)
	if err != nil {
		t.Fatalf("wallet failed: %v", err)
	}
	if !w1.IdentityKey().Equal(w2.IdentityKey()) {
		t.Fatalf("identities differ after reload")
	}
}

func TestLoadKeyRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")
	if err := os.WriteFile(path, []byte(`{"private_key":"zz"}`), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := LoadKey(path); err == nil {
		t.Fatalf("corrupt key file accepted")
	}
}
