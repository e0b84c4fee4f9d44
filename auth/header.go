package auth

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
)

// HeaderName is the request header carrying header credentials.
const HeaderName = "x-meshauth"

// HeaderAuth authenticates with the x-meshauth header.
type HeaderAuth struct {
	creds Credentials
}

// NewHeaderAuth creates a header authenticator.
func NewHeaderAuth(creds Credentials) *HeaderAuth {
	return &HeaderAuth{creds: creds}
}

// Name returns the authentication scheme name.
func (a *HeaderAuth) Name() string {
	return "Header"
}

// Apply sets the x-meshauth header.
func (a *HeaderAuth) Apply(_ *url.URL, header http.Header) error {
	if err := a.creds.Validate(); err != nil {
		return err
	}
	header.Set(HeaderName, HeaderValue(a.creds))
	return nil
}

// HeaderValue builds base64(username) "," base64(password) and, when a token
// is set, "," base64(token).
func HeaderValue(c Credentials) string {
	parts := []string{
		base64.StdEncoding.EncodeToString([]byte(c.Username)),
		base64.StdEncoding.EncodeToString([]byte(c.Password)),
	}
	if c.Token != "" {
		parts = append(parts, base64.StdEncoding.EncodeToString([]byte(c.Token)))
	}
	return strings.Join(parts, ",")
}

// ParseHeaderValue decodes an x-meshauth value.
func ParseHeaderValue(v string) (Credentials, bool) {
	parts := strings.Split(v, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return Credentials{}, false
	}
	decoded := make([]string, len(parts))
	for i, p := range parts {
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return Credentials{}, false
		}
		decoded[i] = string(b)
	}
	c := Credentials{Username: decoded[0], Password: decoded[1]}
	if len(decoded) == 3 {
		c.Token = decoded[2]
	}
	return c, true
}
