package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/smnsjas/go-meshctrl"
)

const (
	// LoginKeySize is the length of a server login key in bytes.
	LoginKeySize = 80

	nonceSize = 12
	tagSize   = 16
)

// LoadLoginKey resolves a login key given as a file path, a hex string or
// raw key bytes. The decoded key must be LoginKeySize bytes long.
func LoadLoginKey(s string) ([]byte, error) {
	if data, err := os.ReadFile(s); err == nil {
		s = string(data)
	}
	s = strings.TrimSpace(s)

	key, err := hex.DecodeString(s)
	if err != nil {
		key = []byte(s)
	}
	if len(key) != LoginKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", meshctrl.ErrInvalidLoginKey, len(key), LoginKeySize)
	}
	return key, nil
}

// LoginKeyAuth authenticates with an encrypted login cookie.
type LoginKeyAuth struct {
	username string
	domain   string
	key      []byte
	now      func() time.Time
}

// NewLoginKeyAuth creates a login-key authenticator. An empty username
// defaults to "admin".
func NewLoginKeyAuth(username, domain string, key []byte) *LoginKeyAuth {
	if username == "" {
		username = "admin"
	}
	return &LoginKeyAuth{username: username, domain: domain, key: key, now: time.Now}
}

// Name returns the authentication scheme name.
func (a *LoginKeyAuth) Name() string {
	return "LoginKey"
}

// Apply appends the encrypted login cookie as the "auth" query parameter.
func (a *LoginKeyAuth) Apply(u *url.URL, _ http.Header) error {
	cookie, err := EncodeCookie(meshctrl.Message{
		"userid":   "user/" + a.domain + "/" + a.username,
		"domainid": a.domain,
	}, a.key, a.now())
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("auth", cookie)
	u.RawQuery = q.Encode()
	return nil
}

// EncodeCookie stamps obj with the creation time, encrypts it with AES-GCM
// under the first 32 bytes of key and returns the URL-safe base64 form:
// nonce || tag || ciphertext with '+' as '@' and '/' as '$'.
func EncodeCookie(obj meshctrl.Message, key []byte, now time.Time) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plain, err := json.Marshal(obj.Merge(meshctrl.Message{"time": now.Unix()}))
	if err != nil {
		return "", fmt.Errorf("encode cookie: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("encode cookie: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plain, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)

	enc := base64.StdEncoding.EncodeToString(out)
	enc = strings.ReplaceAll(enc, "+", "@")
	enc = strings.ReplaceAll(enc, "/", "$")
	return enc, nil
}

// DecodeCookie reverses EncodeCookie.
func DecodeCookie(cookie string, key []byte) (meshctrl.Message, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	cookie = strings.ReplaceAll(cookie, "@", "+")
	cookie = strings.ReplaceAll(cookie, "$", "/")
	raw, err := base64.StdEncoding.DecodeString(cookie)
	if err != nil {
		return nil, fmt.Errorf("decode cookie: %w", err)
	}
	if len(raw) < nonceSize+tagSize {
		return nil, errors.New("decode cookie: too short")
	}

	nonce, tag, ct := raw[:nonceSize], raw[nonceSize:nonceSize+tagSize], raw[nonceSize+tagSize:]
	sealed := append(append([]byte{}, ct...), tag...)
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decode cookie: %w", err)
	}
	return meshctrl.ParseMessage(plain)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("%w: need at least 32 bytes", meshctrl.ErrInvalidLoginKey)
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("cookie cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
