package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
	"github.com/timeplus-io/fw-alert-gateway/pkg/vendors"
)

// ErrUnknownCredential is returned for a reference with no stored credentials
var ErrUnknownCredential = errors.New("unknown credential reference")

// CredentialStore resolves a source's credential reference at poll time
type CredentialStore interface {
	Lookup(ctx context.Context, ref string) (vendors.Credentials, error)
}

// StaticCredentials is a CredentialStore over the credentials config section
type StaticCredentials map[string]vendors.Credentials

// CredentialsFromConfig copies the configured credentials, keyed case-insensitively
func CredentialsFromConfig(cfg map[string]config.CredentialConfig) StaticCredentials {
	out := make(StaticCredentials, len(cfg))
	for ref, c := range cfg {
		out[strings.ToLower(ref)] = vendors.Credentials{Token: c.Token, Username: c.Username, Password: c.Password}
	}
	return out
}

func (s StaticCredentials) Lookup(_ context.Context, ref string) (vendors.Credentials, error) {
	c, ok := s[strings.ToLower(ref)]
	if !ok {
		return vendors.Credentials{}, fmt.Errorf("%w: %q", ErrUnknownCredential, ref)
	}
	return c, nil
}
