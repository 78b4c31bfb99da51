package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestBearer(t *testing.T) {
	tok, err := NewToken()
	if err != nil {
		t.Fatal(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(tok), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	b := NewBearer(string(hash))
	h := b.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + tok, http.StatusNoContent},
		{"valid cached", "Bearer " + tok, http.StatusNoContent},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"no scheme", tok, http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("got %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestBearer_NoHashRejectsAll(t *testing.T) {
	if NewBearer("").Check("anything") {
		t.Error("empty hash accepted a token")
	}
}

func TestHashToken(t *testing.T) {
	h, err := HashToken("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !CheckToken(h, "s3cret") || CheckToken(h, "other") {
		t.Error("hash check mismatch")
	}
}
