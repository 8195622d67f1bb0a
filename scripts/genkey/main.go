// genkey generates the SECRET_KEY and ANON_KEY for a SelfDB deployment.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Writes:
//
//	data/secrets.env  (mode 0600 — keep this secret)
//
// Source the file (or copy its lines into .env) before first launch. The
// SECRET_KEY signs access tokens for both the backend and the storage
// service; rotating it invalidates every outstanding token, so the script
// refuses to overwrite an existing file.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	dir := "data"
	path := filepath.Join(dir, "secrets.env")

	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	// Refuse to overwrite existing secrets — prevents accidental
	// invalidation of live tokens.
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "error: %s already exists — delete it first if you want to rotate secrets\n", path)
		os.Exit(1)
	}

	secretKey, err := randomHex(32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate secret key: %v\n", err)
		os.Exit(1)
	}
	anonKey, err := randomHex(16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate anon key: %v\n", err)
		os.Exit(1)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: create %s: %v\n", path, err)
		os.Exit(1)
	}
	if _, err := fmt.Fprintf(f, "SECRET_KEY=%s\nANON_KEY=%s\n", secretKey, anonKey); err != nil {
		fmt.Fprintf(os.Stderr, "error: write secrets: %v\n", err)
		os.Exit(1)
	}
	f.Close()

	fmt.Printf("wrote %s\n", path)
	fmt.Println("Secrets are ready. docker compose up -d will use them automatically.")
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
