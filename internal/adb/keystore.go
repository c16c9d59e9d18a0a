// internal/adb/keystore.go
// The persistent key-store collaborator (spec.md §6). The core treats
// stored keys opaquely except for the base64url n/d/e fields it needs to
// reconstruct the modulus and private exponent.
package adb

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// KeyJWK is the exported form of one half of an RSA key pair, shaped
// like a JSON Web Key so external storage can treat it opaquely.
type KeyJWK struct {
	Kty string `json:"kty"`
	N   string `json:"n"`           // base64url modulus
	E   string `json:"e"`           // base64url public exponent
	D   string `json:"d,omitempty"` // base64url private exponent (private half only)
}

// KeyStore persists the host's RSA key pair across sessions. The Auth
// Engine creates a key pair on first ever connect and calls Store once;
// every later connect calls Load and reuses what comes back.
type KeyStore interface {
	Load() (priv, pub *KeyJWK, ok bool, err error)
	Store(priv, pub *KeyJWK) error
}

// fileKeyStore stores the key pair as a single JSON file, following the
// same "plain file under a project-relative path, environment variable
// overrides the default" shape as internal/config's device settings.
type fileKeyStore struct {
	path string
}

// NewFileKeyStore returns a KeyStore backed by a JSON file at path.
func NewFileKeyStore(path string) KeyStore {
	return &fileKeyStore{path: path}
}

type keyFile struct {
	Private *KeyJWK `json:"private"`
	Public  *KeyJWK `json:"public"`
}

func (s *fileKeyStore) Load() (priv, pub *KeyJWK, ok bool, err error) {
	data, readErr := os.ReadFile(s.path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil, nil, false, nil
		}
		return nil, nil, false, readErr
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, nil, false, err
	}
	if kf.Private == nil || kf.Public == nil {
		return nil, nil, false, nil
	}
	return kf.Private, kf.Public, true, nil
}

func (s *fileKeyStore) Store(priv, pub *KeyJWK) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(keyFile{Private: priv, Public: pub}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}
