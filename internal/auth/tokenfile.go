package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken is returned when the token file holds no access token.
	ErrNoToken = errors.New("auth: no access token")
	// ErrTokenExpired is returned when the stored access token has expired.
	ErrTokenExpired = errors.New("auth: access token expired")
)

// tokenFile is the on-disk session written by the login flow.
type tokenFile struct {
	UID     string `json:"uid"`
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// FileTokenSource serves the bearer token for cloud calls from a token file.
// The file is re-read once the cached token expires, so an external login
// refresh is picked up without a restart.
type FileTokenSource struct {
	path string
	now  func() time.Time
	skew time.Duration

	mu      sync.Mutex
	token   string
	uid     string
	expires time.Time
}

// NewFileTokenSource constructs a token source for path.
func NewFileTokenSource(path string) (*FileTokenSource, error) {
	if path == "" {
		return nil, errors.New("auth: empty token file path")
	}
	return &FileTokenSource{path: path, now: time.Now, skew: 30 * time.Second}, nil
}

// Token returns a non-expired access token.
func (s *FileTokenSource) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.valid() {
		return s.token, nil
	}
	if err := s.load(); err != nil {
		return "", err
	}
	if !s.valid() {
		return "", ErrTokenExpired
	}
	return s.token, nil
}

// UID returns the account id stored next to the token.
func (s *FileTokenSource) UID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

func (s *FileTokenSource) valid() bool {
	return s.expires.IsZero() || s.now().Add(s.skew).Before(s.expires)
}

func (s *FileTokenSource) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("auth: read token file: %w", err)
	}
	var file tokenFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("auth: decode token file: %w", err)
	}
	if file.Access == "" {
		return ErrNoToken
	}

	// The issuer's key is not available here; only the expiry is inspected.
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(file.Access, &claims); err != nil {
		return fmt.Errorf("auth: parse access token: %w", err)
	}
	s.token = file.Access
	s.uid = file.UID
	s.expires = time.Time{}
	if claims.ExpiresAt != nil {
		s.expires = claims.ExpiresAt.Time
	}
	return nil
}
