package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
)

// Authenticator adds credentials to the control channel handshake.
type Authenticator interface {
	// Apply adds credentials to the request URL and headers.
	Apply(u *url.URL, header http.Header) error

	// Name returns the authentication scheme name.
	Name() string
}

// Credentials holds username/password credentials.
type Credentials struct {
	// Username is the account name. It can also be a name generated from a
	// login token.
	Username string

	// Password is the account password.
	Password string

	// Token is the optional second-factor login token.
	Token string

	// Domain is the MeshCentral domain ("" for the default domain).
	Domain string
}

// Validate checks that required credential fields are populated.
func (c *Credentials) Validate() error {
	if c.Username == "" {
		return errors.New("username is required")
	}
	if c.Password == "" {
		return errors.New("password is required")
	}
	return nil
}

// LogValue implements slog.LogValuer so credentials never reach a log in
// plaintext.
func (c Credentials) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("username", c.Username),
		slog.String("password", redacted(c.Password)),
		slog.String("domain", c.Domain),
	}
	if c.Token != "" {
		attrs = append(attrs, slog.String("token", redacted(c.Token)))
	}
	return slog.GroupValue(attrs...)
}

func redacted(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}
