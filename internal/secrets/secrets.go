package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrCredentialNotFound is returned when no provider knows the name.
var ErrCredentialNotFound = errors.New("secrets: credential not found")

// Provider is the narrow credential-lookup boundary the dispatch layer uses
// to authenticate to robots. Vault internals stay outside this core.
type Provider interface {
	GetCredential(ctx context.Context, name string) (map[string]string, error)
}

// EnvProvider resolves credentials from environment variables of the form
// <PREFIX>_<NAME>_<FIELD>. Fields become lowercase map keys.
type EnvProvider struct {
	Prefix string
}

func (p EnvProvider) GetCredential(_ context.Context, name string) (map[string]string, error) {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "CREDENTIAL"
	}
	want := fmt.Sprintf("%s_%s_", prefix, strings.ToUpper(strings.ReplaceAll(name, "-", "_")))

	cred := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, want) {
			continue
		}
		field := strings.ToLower(strings.TrimPrefix(key, want))
		cred[field] = value
	}
	if len(cred) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, name)
	}
	return cred, nil
}

// StaticProvider serves a fixed credential map; used in tests and local runs.
type StaticProvider struct {
	mu    sync.RWMutex
	creds map[string]map[string]string
}

// NewStatic builds a provider from literal credentials.
func NewStatic(creds map[string]map[string]string) *StaticProvider {
	if creds == nil {
		creds = make(map[string]map[string]string)
	}
	return &StaticProvider{creds: creds}
}

func (p *StaticProvider) GetCredential(_ context.Context, name string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cred, ok := p.creds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, name)
	}
	out := make(map[string]string, len(cred))
	for k, v := range cred {
		out[k] = v
	}
	return out, nil
}

// Set stores or replaces a credential.
func (p *StaticProvider) Set(name string, cred map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds[name] = cred
}
