package executor

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// KnownHosts implements trust-on-first-use host key verification for the
// SSH executor: new keys are accepted and persisted, changed keys are
// rejected as a potential MITM. Verification is optional; a nil KnownHosts
// disables it.
type KnownHosts struct {
	path string

	mu   sync.Mutex
	keys map[string]ssh.PublicKey
}

// NewKnownHosts loads persisted host keys from path. A missing file is
// normal on first run.
func NewKnownHosts(path string) *KnownHosts {
	kh := &KnownHosts{path: path, keys: make(map[string]ssh.PublicKey)}
	kh.load()
	return kh
}

// Callback returns the ssh.HostKeyCallback implementing TOFU.
func (kh *KnownHosts) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host, _, err := net.SplitHostPort(hostname)
		if err != nil {
			host = hostname
		}

		kh.mu.Lock()
		defer kh.mu.Unlock()

		existing, known := kh.keys[host]
		if !known {
			kh.keys[host] = key
			log.Printf("[ssh] TOFU: accepted new host key for %s (%s)", host, key.Type())
			kh.save()
			return nil
		}

		if string(existing.Marshal()) == string(key.Marshal()) {
			return nil
		}

		log.Printf("[ssh] SECURITY: host key CHANGED for %s (was %s, now %s)",
			host, existing.Type(), key.Type())
		return fmt.Errorf("host key mismatch for %s: expected %s, got %s (remove from %s to accept new key)",
			host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key), kh.path)
	}
}

// load reads persisted host keys. Format: "hostname key-type base64-key".
func (kh *KnownHosts) load() {
	f, err := os.Open(kh.path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	loaded := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			log.Printf("[ssh] TOFU: bad base64 for %s in known_hosts, skipping", parts[0])
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			log.Printf("[ssh] TOFU: bad key for %s in known_hosts, skipping", parts[0])
			continue
		}
		kh.keys[parts[0]] = pubKey
		loaded++
	}
	if loaded > 0 {
		log.Printf("[ssh] TOFU: loaded %d known host keys from %s", loaded, kh.path)
	}
}

// save persists all known host keys. Must be called with kh.mu held.
func (kh *KnownHosts) save() {
	dir := filepath.Dir(kh.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[ssh] TOFU: cannot create dir %s: %v", dir, err)
		return
	}

	var buf strings.Builder
	buf.WriteString("# SSH known hosts (TOFU — managed by aegis daemon)\n")
	for host, key := range kh.keys {
		buf.WriteString(fmt.Sprintf("%s %s %s\n", host, key.Type(),
			base64.StdEncoding.EncodeToString(key.Marshal())))
	}

	if err := os.WriteFile(kh.path, []byte(buf.String()), 0o600); err != nil {
		log.Printf("[ssh] TOFU: failed to save known_hosts: %v", err)
	}
}
