package google

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"inkcal/internal/fault"
	appLog "inkcal/internal/log"
)

// TokenFile provides read-only Calendar credentials from an OAuth client file
// (credentials.json) and a previously authorized token file (token.json).
// Refreshed tokens are written back so the next process start reuses them.
// The interactive consent flow is handled by a separate setup tool.
type TokenFile struct {
	CredentialsPath string
	TokenPath       string

	mu sync.Mutex
}

// NewTokenFile returns a provider for the given paths.
func NewTokenFile(credentialsPath, tokenPath string) *TokenFile {
	return &TokenFile{CredentialsPath: credentialsPath, TokenPath: tokenPath}
}

// Token returns a valid access token, refreshing it when expired.
func (p *TokenFile) Token(ctx context.Context) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := os.ReadFile(p.CredentialsPath)
	if err != nil {
		return nil, fault.New(fault.KindAuth, "", "read credentials", err)
	}
	conf, err := googleoauth.ConfigFromJSON(b, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fault.New(fault.KindAuth, "", "parse credentials", err)
	}

	tok, err := tokenFromFile(p.TokenPath)
	if err != nil {
		return nil, fault.New(fault.KindAuth, "", "read token", err)
	}
	if !tok.Valid() && tok.RefreshToken == "" {
		return nil, fault.New(fault.KindAuth, "", "token", errors.New("token expired and no refresh token; re-run authorization"))
	}

	fresh, err := conf.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, fault.New(fault.KindAuth, "", "refresh token", err)
	}

	if fresh.AccessToken != tok.AccessToken {
		if err := saveToken(p.TokenPath, fresh); err != nil {
			// The refreshed token is still usable for this cycle.
			appLog.Error("failed to persist refreshed token", err, "path", p.TokenPath)
		} else {
			appLog.Info("oauth token refreshed", "path", p.TokenPath)
		}
	}
	return fresh, nil
}

// tokenFromFile reads an OAuth token from a JSON file.
func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// saveToken writes tok atomically with 0600 permissions.
func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".inkcal-token-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
