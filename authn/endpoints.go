package authn

import "strings"

// authEndpoints are the paths whose own 401 must never trigger a refresh:
// they either are the refresh call or run without a session.
// "/auth/register" also covers "/auth/register/confirm"; "/auth/email"
// covers the verification resend.
var authEndpoints = []string{
	"/auth/login",
	"/auth/register",
	"/auth/refresh",
	"/auth/logout",
	"/auth/password/forgot",
	"/auth/password/reset",
	"/auth/email",
}

// IsAuthEndpoint reports whether path targets one of the session endpoints.
// Matching is on whole path segments anywhere in the path, so an API mounted
// under a prefix ("/v1/auth/login") is recognised while "/auth/loginhistory"
// and "/auth/password/change" are not.
func IsAuthEndpoint(path string) bool {
	if path == "" {
		return false
	}
	path = "/" + strings.Trim(path, "/") + "/"
	for _, ep := range authEndpoints {
		if strings.Contains(path, ep+"/") {
			return true
		}
	}
	return false
}
