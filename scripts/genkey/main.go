// genkey generates the credentials a shikumi deployment needs.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey                          # JWT signing key pair
//	go run ./scripts/genkey -principal alice:approver # one directory entry
//
// The first form writes data/jwt_private.pem (mode 0600, keep this secret)
// and data/jwt_public.pem. Point SHIKUMI_JWT_PRIVATE_KEY and
// SHIKUMI_JWT_PUBLIC_KEY at them. The server generates ephemeral keys when
// they are unset, but those are discarded on every restart, invalidating
// every issued token including those held by approvers waiting on a pending
// request.
//
// The second form generates a random API key and prints it together with the
// name:role:hash entry to append to SHIKUMI_APPROVER_KEYS. Only the hash is
// stored server side.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashita-ai/shikumi/internal/auth"
)

func main() {
	dir := flag.String("dir", "data", "directory for the JWT key pair")
	principal := flag.String("principal", "", "generate an API key for name:role instead of a key pair")
	flag.Parse()

	var err error
	if *principal != "" {
		err = printPrincipal(*principal)
	} else {
		err = writeKeyPair(*dir)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printPrincipal(spec string) error {
	name, role, ok := strings.Cut(spec, ":")
	if !ok || name == "" {
		return errors.New("principal must be name:role")
	}
	if !auth.Role(role).Valid() {
		return fmt.Errorf("unknown role %q (viewer, approver, operator, admin)", role)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate api key: %w", err)
	}
	apiKey := base64.RawURLEncoding.EncodeToString(raw)
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return err
	}

	fmt.Printf("api key (give to %s, shown once): %s\n", name, apiKey)
	fmt.Printf("SHIKUMI_APPROVER_KEYS entry: %s:%s:%s\n", name, role, hash)
	return nil
}

func writeKeyPair(dir string) error {
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	// Refuse to overwrite existing keys; rotating invalidates live tokens.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Printf("export SHIKUMI_JWT_PRIVATE_KEY=%s SHIKUMI_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
