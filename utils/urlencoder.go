package utils

import (
	"net/url"
	"strings"
)

// AppendToken appends a token query parameter to u. Existing query
// parameters are kept as they are. Empty inputs are returned unchanged.
func AppendToken(u, token string) string {
	if u == "" || token == "" {
		return u
	}

	frag := ""
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u, frag = u[:i], u[i:]
	}

	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}

	return u + sep + "token=" + url.QueryEscape(token) + frag
}
