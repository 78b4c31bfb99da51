package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

func HashToken(tok string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(tok), bcrypt.DefaultCost)
	return string(b), err
}

func CheckToken(hash, tok string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(tok))
	return err == nil
}

// NewToken returns a random URL-safe API token.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Bearer guards handlers with a bearer token checked against a bcrypt hash.
// The last accepted token is remembered so steady traffic skips bcrypt.
type Bearer struct {
	hash string

	mu       sync.Mutex
	accepted string
}

func NewBearer(hash string) *Bearer {
	return &Bearer{hash: strings.TrimSpace(hash)}
}

func (b *Bearer) Check(tok string) bool {
	if b.hash == "" || tok == "" {
		return false
	}
	b.mu.Lock()
	last := b.accepted
	b.mu.Unlock()
	if last != "" && secureEq(last, tok) {
		return true
	}
	if !CheckToken(b.hash, tok) {
		return false
	}
	b.mu.Lock()
	b.accepted = tok
	b.mu.Unlock()
	return true
}

func (b *Bearer) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !b.Check(strings.TrimSpace(tok)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="apptsched"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureEq(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
