package wallet

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

type keyFile struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// SaveKey writes the private key to path (0600), creating parent directories.
func SaveKey(path string, priv *secp256k1.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	kf := keyFile{
		PrivateKey: hex.EncodeToString(priv.Serialize()),
		PublicKey:  hex.EncodeToString(priv.PubKey().SerializeCompressed()),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadKey reads a private key previously written by SaveKey.
func LoadKey(path string) (*secp256k1.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("bad key file %s: %w", path, err)
	}
	raw, err := hex.DecodeString(kf.PrivateKey)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("bad private key in %s", path)
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// LoadOrCreateKey loads the key at path, generating and persisting a fresh
// one if the file does not exist.
func LoadOrCreateKey(path string) (*secp256k1.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadKey(path)
	}
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := SaveKey(path, priv); err != nil {
		return nil, err
	}
	return priv, nil
}
