package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/Vashi-123/englishv2-sub003/internal/integrations/backend"
)

// tokenFileProber watches the file the browser callback writes the access
// token to and accepts it once the backend recognizes the session.
type tokenFileProber struct {
	path       string
	backendURL string
	apiKey     string

	mu    sync.Mutex
	token string
}

func (p *tokenFileProber) SessionActive(ctx context.Context) (bool, error) {
	raw, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return false, nil
	}

	client, err := backend.NewClient(p.backendURL, p.apiKey, backend.WithAccessToken(token))
	if err != nil {
		return false, err
	}
	ok, err := client.SessionActive(ctx)
	if err != nil || !ok {
		return false, err
	}

	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	return true, nil
}

func (p *tokenFileProber) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}
