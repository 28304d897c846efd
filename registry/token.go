package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// defaultTokenLifetime applies when a token response has no expires_in.
const defaultTokenLifetime = 60 * time.Second

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func pullScope(repository string) string {
	return "repository:" + repository + ":pull"
}

// Token returns an anonymous pull token for repository. It returns an empty
// token when the client has no token realm. Tokens are cached per scope
// until shortly before they expire.
func (c *Client) Token(ctx context.Context, repository string) (string, error) {
	if c.realm == "" {
		return "", nil
	}
	scope := pullScope(repository)
	if tok, ok := c.tokens.get(scope); ok {
		return tok, nil
	}

	u, err := url.Parse(c.realm)
	if err != nil {
		return "", fmt.Errorf("%w: invalid realm %q: %v", ErrAuthFailed, c.realm, err)
	}
	q := u.Query()
	if c.service != "" {
		q.Set("service", c.service)
	}
	q.Set("scope", scope)
	u.RawQuery = q.Encode()

	req, err := c.newRequest(ctx, http.MethodGet, u.String(), "")
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError("token", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		err := statusError(resp, ErrAuthFailed)
		c.log().Debug("token exchange failed", "repository", repository, "status", resp.StatusCode)
		return "", err
	}

	var body tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestSize)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", ErrAuthFailed, err)
	}
	tok := body.Token
	if tok == "" {
		tok = body.AccessToken
	}
	if tok == "" {
		return "", fmt.Errorf("%w: token endpoint returned no token", ErrAuthFailed)
	}

	lifetime := defaultTokenLifetime
	if body.ExpiresIn > 0 {
		lifetime = time.Duration(body.ExpiresIn) * time.Second
	}
	c.tokens.set(scope, tok, lifetime)
	c.log().Debug("token obtained", "repository", repository, "expires_in", lifetime)
	return tok, nil
}

// invalidateToken drops a cached token the registry rejected.
func (c *Client) invalidateToken(repository string) {
	c.tokens.invalidate(pullScope(repository))
}
