package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrCannotRefresh is returned by token sources that have no way to obtain
// a new credential.
var ErrCannotRefresh = errors.New("token cannot be refreshed")

// TokenSource supplies the bearer credential sent in the auth message.
type TokenSource interface {
	Token() (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticTokenSource always returns the same token.
type StaticTokenSource string

func (s StaticTokenSource) Token() (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty token")
	}
	return string(s), nil
}

func (s StaticTokenSource) Refresh(context.Context) (string, error) {
	return "", ErrCannotRefresh
}

// FileTokenSource reads the token from a file another process keeps fresh.
type FileTokenSource struct {
	Path string
}

func (f FileTokenSource) Token() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", f.Path)
	}
	return token, nil
}

// Refresh re-reads the file.
func (f FileTokenSource) Refresh(context.Context) (string, error) {
	return f.Token()
}
