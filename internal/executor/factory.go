package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/aegisops/aegis/internal/model"
	"github.com/aegisops/aegis/internal/vault"
)

const (
	poolMaxAge      = 5 * time.Minute
	poolMaxEntries  = 50 // LRU eviction threshold
	testConcurrency = 10
)

// pooledExecutor holds a constructed executor with its creation time.
type pooledExecutor struct {
	exec      Executor
	createdAt time.Time
}

// Factory decrypts server credentials and constructs the right executor
// variant for a target. Connected executors are pooled per (hostname,
// port) and reused while healthy; stale entries are purged on error.
type Factory struct {
	vault      *vault.Vault
	knownHosts *KnownHosts

	mu        sync.Mutex
	pool      map[string]*pooledExecutor
	poolOrder []string // LRU order: oldest first
}

// NewFactory creates a factory. knownHosts may be nil to disable SSH host
// key verification.
func NewFactory(v *vault.Vault, knownHosts *KnownHosts) *Factory {
	return &Factory{
		vault:      v,
		knownHosts: knownHosts,
		pool:       make(map[string]*pooledExecutor),
	}
}

// For returns an executor for the server, pooled when possible. The
// executor does not connect until first use.
func (f *Factory) For(server *model.Server, profile *model.CredentialProfile) (Executor, error) {
	key := poolKey(server.Hostname, server.Port)

	f.mu.Lock()
	if entry, ok := f.pool[key]; ok {
		if time.Since(entry.createdAt) < poolMaxAge {
			f.lruTouch(key)
			f.mu.Unlock()
			return entry.exec, nil
		}
		entry.exec.Disconnect()
		delete(f.pool, key)
		f.lruRemove(key)
	}
	f.mu.Unlock()

	exec, err := f.build(server, profile)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pool) >= poolMaxEntries && len(f.poolOrder) > 0 {
		evict := f.poolOrder[0]
		f.poolOrder = f.poolOrder[1:]
		if old, ok := f.pool[evict]; ok {
			old.exec.Disconnect()
			delete(f.pool, evict)
			log.Printf("[factory] LRU evicted executor for %s (pool full at %d)", evict, poolMaxEntries)
		}
	}

	f.pool[key] = &pooledExecutor{exec: exec, createdAt: time.Now()}
	f.lruTouch(key)
	return exec, nil
}

// build decrypts credentials and selects the variant by protocol.
func (f *Factory) build(server *model.Server, profile *model.CredentialProfile) (Executor, error) {
	switch server.Protocol {
	case model.ProtoSSH:
		password, err := f.vault.Decrypt(server.PasswordEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt password for %s: %w", server.Hostname, err)
		}
		key, err := f.vault.Decrypt(server.SSHKeyEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt ssh key for %s: %w", server.Hostname, err)
		}
		sudoPassword, err := f.vault.Decrypt(server.SudoPasswordEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt sudo password for %s: %w", server.Hostname, err)
		}

		username := server.Username
		// Shared profile fills empty inline slots
		if profile != nil {
			if username == "" {
				username = profile.Username
			}
			if password == "" && key == "" {
				secret, err := f.vault.Decrypt(profile.SecretEncrypted)
				if err != nil {
					return nil, fmt.Errorf("decrypt profile secret: %w", err)
				}
				password = secret
			}
		}

		exec := NewSSHExecutor(server.Hostname, server.Port, SSHCredentials{
			Username:     username,
			Password:     password,
			PrivateKey:   key,
			SudoPassword: sudoPassword,
		})
		if f.knownHosts != nil {
			exec.HostKeyCallback = f.knownHosts.Callback()
		}
		return exec, nil

	case model.ProtoWinRM:
		password, err := f.vault.Decrypt(server.PasswordEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt password for %s: %w", server.Hostname, err)
		}
		username := server.Username
		if profile != nil {
			if username == "" {
				username = profile.Username
			}
			if password == "" {
				secret, err := f.vault.Decrypt(profile.SecretEncrypted)
				if err != nil {
					return nil, fmt.Errorf("decrypt profile secret: %w", err)
				}
				password = secret
			}
		}
		return NewWinRMExecutor(server.Hostname, server.Port, server.UseSSL, WinRMCredentials{
			Username: username,
			Password: password,
		}), nil

	case model.ProtoHTTP:
		return f.buildHTTP(server, profile)

	default:
		return nil, fmt.Errorf("unknown protocol %q for server %s", server.Protocol, server.Hostname)
	}
}

func (f *Factory) buildHTTP(server *model.Server, profile *model.CredentialProfile) (Executor, error) {
	token, err := f.vault.Decrypt(server.APITokenEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt api token for %s: %w", server.Hostname, err)
	}

	auth := APIAuth{Type: "bearer", Secret: token}
	baseURL := httpBaseURL(server)
	timeout := 30

	if profile != nil {
		auth.Type = profile.AuthType
		auth.Username = profile.Username
		auth.HeaderName = profile.HeaderName
		if token == "" {
			secret, err := f.vault.Decrypt(profile.SecretEncrypted)
			if err != nil {
				return nil, fmt.Errorf("decrypt profile secret: %w", err)
			}
			auth.Secret = secret
		}
		if profile.BaseURL != "" {
			baseURL = profile.BaseURL
		}
		if profile.TimeoutSeconds > 0 {
			timeout = profile.TimeoutSeconds
		}
	}
	if token == "" && profile == nil {
		auth.Type = "none"
	}

	exec := NewHTTPExecutor(baseURL, auth, timeout, server.VerifySSL)
	if profile != nil && len(profile.ExtraHeaders) > 0 {
		exec.ExtraHeaders = profile.ExtraHeaders
	}
	return exec, nil
}

// ForProfile builds an API executor straight from a credential profile,
// for API steps that name a profile instead of a server.
func (f *Factory) ForProfile(profile *model.CredentialProfile) (Executor, error) {
	secret, err := f.vault.Decrypt(profile.SecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt profile secret: %w", err)
	}
	exec := NewHTTPExecutor(profile.BaseURL, APIAuth{
		Type:       profile.AuthType,
		Username:   profile.Username,
		Secret:     secret,
		HeaderName: profile.HeaderName,
	}, profile.TimeoutSeconds, true)
	exec.ExtraHeaders = profile.ExtraHeaders
	return exec, nil
}

// Invalidate removes a pooled executor after a transport error.
func (f *Factory) Invalidate(hostname string, port int) {
	key := poolKey(hostname, port)
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.pool[key]; ok {
		entry.exec.Disconnect()
		delete(f.pool, key)
		f.lruRemove(key)
		log.Printf("[factory] Invalidated pooled executor for %s", key)
	}
}

// PoolSize returns the number of pooled executors.
func (f *Factory) PoolSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pool)
}

// CloseAll disconnects and drops every pooled executor.
func (f *Factory) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, entry := range f.pool {
		entry.exec.Disconnect()
		delete(f.pool, key)
	}
	f.poolOrder = nil
}

// ConnectionTest is the outcome of testing one server.
type ConnectionTest struct {
	ServerID uuid.UUID
	Hostname string
	OK       bool
	Error    string
	Duration time.Duration
}

// TestServer builds an executor for the server and runs TestConnection.
func (f *Factory) TestServer(ctx context.Context, server *model.Server, profile *model.CredentialProfile) ConnectionTest {
	start := time.Now()
	test := ConnectionTest{ServerID: server.ID, Hostname: server.Hostname}

	exec, err := f.build(server, profile) // deliberately unpooled: a test must not poison the pool
	if err != nil {
		test.Error = err.Error()
		test.Duration = time.Since(start)
		return test
	}
	defer exec.Disconnect()

	if err := exec.TestConnection(ctx); err != nil {
		test.Error = err.Error()
	} else {
		test.OK = true
	}
	test.Duration = time.Since(start)
	return test
}

// TestAllServers fans out connection tests across servers, at most
// testConcurrency in flight.
func (f *Factory) TestAllServers(ctx context.Context, servers []*model.Server, profiles map[uuid.UUID]*model.CredentialProfile) []ConnectionTest {
	sem := semaphore.NewWeighted(testConcurrency)
	results := make([]ConnectionTest, len(servers))
	var wg sync.WaitGroup

	for i, server := range servers {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = ConnectionTest{ServerID: server.ID, Hostname: server.Hostname, Error: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int, server *model.Server) {
			defer wg.Done()
			defer sem.Release(1)
			var profile *model.CredentialProfile
			if server.CredentialProfileID != nil {
				profile = profiles[*server.CredentialProfileID]
			}
			results[i] = f.TestServer(ctx, server, profile)
		}(i, server)
	}

	wg.Wait()
	return results
}

// --- LRU helpers (call with f.mu held) ---

func (f *Factory) lruTouch(key string) {
	f.lruRemove(key)
	f.poolOrder = append(f.poolOrder, key)
}

func (f *Factory) lruRemove(key string) {
	for i, k := range f.poolOrder {
		if k == key {
			f.poolOrder = append(f.poolOrder[:i], f.poolOrder[i+1:]...)
			return
		}
	}
}

func poolKey(hostname string, port int) string {
	return fmt.Sprintf("%s:%d", hostname, port)
}

func httpBaseURL(server *model.Server) string {
	scheme := "https"
	if !server.UseSSL {
		scheme = "http"
	}
	if server.Port > 0 && server.Port != 80 && server.Port != 443 {
		return fmt.Sprintf("%s://%s:%d", scheme, server.Hostname, server.Port)
	}
	return fmt.Sprintf("%s://%s", scheme, server.Hostname)
}
