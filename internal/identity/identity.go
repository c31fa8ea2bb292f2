package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	pubFile  = "pub.hex"
	privFile = "priv.hex"
	idLabel  = "sessionops:user:v1"
)

// Identity is the stable user key of this process. The id is derived from
// the public key and survives restarts as long as home is kept.
type Identity struct {
	ID      string
	Name    string
	PubKey  ed25519.PublicKey
	PrivKey ed25519.PrivateKey
}

// LoadOrCreate reads the keypair under home, generating one on first use.
func LoadOrCreate(home, name string) (*Identity, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := loadKeypair(home)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		if err := saveKeypair(home, pub, priv); err != nil {
			return nil, err
		}
	}
	id := DeriveUserID(pub)
	if strings.TrimSpace(name) == "" {
		name = "user-" + id[:8]
	}
	return &Identity{ID: id, Name: name, PubKey: pub, PrivKey: priv}, nil
}

func DeriveUserID(pub []byte) string {
	buf := make([]byte, 0, len(idLabel)+len(pub))
	buf = append(buf, idLabel...)
	buf = append(buf, pub...)
	sum := sha3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func saveKeypair(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if err := os.WriteFile(filepath.Join(dir, pubFile), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, privFile), []byte(hex.EncodeToString(priv)), 0600)
}

func loadKeypair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, pubFile))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, privFile))
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("bad %s", pubFile)
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("bad %s", privFile)
	}
	if !ed25519.PublicKey(pub).Equal(ed25519.PrivateKey(priv).Public()) {
		return nil, nil, fmt.Errorf("%s does not match %s", pubFile, privFile)
	}
	return pub, priv, nil
}
