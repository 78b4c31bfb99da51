package portal

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
)

type loginOutcome int

const (
	loginUnknown loginOutcome = iota
	loginRedirected
	loginInvalid
	loginRateLimited
)

var (
	invalidCredentialMarkers = [][]byte{
		[]byte("invalid email or password"),
	}
	rateLimitMarkers = [][]byte{
		[]byte("too many requests"),
		[]byte("too many login attempts"),
		[]byte("rate limit"),
	}
)

// Login runs the three-step sign in. It always starts from a fresh session.
//
// Returns nil, ErrInvalidCredentials, ErrRateLimited,
// ErrLoginVerificationFailed or a transport error.
func (c *Client) Login(ctx context.Context, email, password string) error {
	c.ResetSession()

	page, err := c.Request(ctx, http.MethodGet, c.paths.SignIn, c.htmlHeader(), nil)
	if err != nil {
		return err
	}
	if page.Status == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	tok := ExtractToken(page.Body)
	if tok == "" {
		return fmt.Errorf("%w: no anti-forgery token on sign-in page (status %d)", ErrLoginVerificationFailed, page.Status)
	}
	c.setToken(tok)

	form := url.Values{}
	form.Set("user[email]", email)
	form.Set("user[password]", password)
	form.Set("policy_confirmed", "1")
	form.Set("commit", "Sign In")

	h := c.formHeader(c.paths.SignIn)
	h.Set("Accept", "*/*;q=0.5, text/javascript, application/javascript, application/ecmascript, application/x-ecmascript")
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("X-CSRF-Token", tok)

	resp, err := c.Request(ctx, http.MethodPost, c.paths.SignIn, h, []byte(form.Encode()))
	if err != nil {
		return err
	}

	switch classifyLogin(resp) {
	case loginRedirected:
	case loginInvalid:
		return ErrInvalidCredentials
	case loginRateLimited:
		return ErrRateLimited
	default:
		if err := c.verifySession(ctx); err != nil {
			return err
		}
	}
	c.setToken(ExtractToken(resp.Body))
	c.markAuthenticated()
	c.log.Info("portal: signed in")
	return nil
}

// classifyLogin reads the sign-in POST response. The invalid-credentials
// message wins over any script on the page; otherwise a script redirect or
// a real redirect away from the sign-in page means success.
func classifyLogin(resp *Response) loginOutcome {
	if resp.Status == http.StatusTooManyRequests {
		return loginRateLimited
	}
	lower := bytes.ToLower(resp.Body)
	for _, m := range invalidCredentialMarkers {
		if bytes.Contains(lower, m) {
			return loginInvalid
		}
	}
	if target := inlineRedirect(resp.Body); target != "" && !isSignInPath(target) {
		return loginRedirected
	}
	if resp.URL != nil && !isSignInPath(resp.URL.Path) && resp.Status >= 200 && resp.Status < 300 {
		return loginRedirected
	}
	for _, m := range rateLimitMarkers {
		if bytes.Contains(lower, m) {
			return loginRateLimited
		}
	}
	return loginUnknown
}

// verifySession fetches an authenticated-only page; being bounced to sign-in
// means the POST did not log us in.
func (c *Client) verifySession(ctx context.Context) error {
	resp, err := c.Request(ctx, http.MethodGet, c.paths.Account, c.htmlHeader(), nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoginVerificationFailed, err)
	}
	if isSignInPath(resp.URL.Path) {
		return fmt.Errorf("%w: redirected to sign-in", ErrLoginVerificationFailed)
	}
	if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrLoginVerificationFailed, resp.Status)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("%w: %w", ErrLoginVerificationFailed, &HTTPError{Status: resp.Status, URL: resp.URL.String()})
	}
	c.setToken(ExtractToken(resp.Body))
	return nil
}
