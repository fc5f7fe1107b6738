package authn

import (
	"io"
	"net/http"
)

// maxDrainBytes caps how much of a discarded 401 body is read so the
// connection can be reused.
const maxDrainBytes = 4 << 10

// AccessTokenSource yields the token attached to outgoing requests.
type AccessTokenSource interface {
	AccessToken() string
}

// Reauthenticator is the hook called on every 401. A nil result means give up.
type Reauthenticator interface {
	Authenticate(failed *http.Response) *http.Request
}

// Transport attaches "Authorization: Bearer <token>" to every request except
// the auth endpoints and hands 401 responses to Reauth. Without Reauth it
// only attaches the header.
type Transport struct {
	Base   http.RoundTripper
	Tokens AccessTokenSource
	Reauth Reauthenticator
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, tokens AccessTokenSource, reauth Reauthenticator) *Transport {
	return &Transport{Base: base, Tokens: tokens, Reauth: reauth}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req
	if t.Tokens != nil && !IsAuthEndpoint(req.URL.Path) {
		if token := t.Tokens.AccessToken(); token != "" {
			r = req.Clone(req.Context())
			r.Header.Set(authHeader, bearerPrefix+token)
		}
	}

	for {
		resp, err := t.base().RoundTrip(r)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized || t.Reauth == nil {
			return resp, nil
		}
		if resp.Request == nil {
			resp.Request = r
		}

		retry := t.Reauth.Authenticate(resp)
		if retry == nil {
			return resp, nil
		}

		drainAndClose(resp.Body)
		r = retry
	}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	body.Close()
}
