package appstoresync

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
)

// TokenProvider supplies the bearer token for the reporting API. Minting and
// rotation happen outside this service; Refresh re-reads whatever the
// collaborator left behind.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

type envTokenProvider struct {
	mu    sync.Mutex
	token string
}

// newEnvTokenProvider reads the bearer token from REPORTING_API_TOKEN, or
// from the file named by REPORTING_API_TOKEN_FILE when the token is mounted
// as a secret volume.
func newEnvTokenProvider() (*envTokenProvider, error) {
	p := &envTokenProvider{}
	if err := p.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *envTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" {
		return "", errors.New("reporting api token is empty")
	}
	return p.token, nil
}

func (p *envTokenProvider) Refresh(ctx context.Context) error {
	tok := strings.TrimSpace(os.Getenv("REPORTING_API_TOKEN"))
	if tok == "" {
		if path := strings.TrimSpace(os.Getenv("REPORTING_API_TOKEN_FILE")); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			tok = strings.TrimSpace(string(raw))
		}
	}
	if tok == "" {
		return errors.New("REPORTING_API_TOKEN is not set")
	}
	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()
	return nil
}

type staticTokenProvider string

func (s staticTokenProvider) Token(ctx context.Context) (string, error) { return string(s), nil }
func (s staticTokenProvider) Refresh(ctx context.Context) error         { return nil }
