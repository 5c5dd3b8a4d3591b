package retry

import (
	"net/http"
	"sort"
	"strings"
)

// redactedHeaders never appear in clear text in a reconstructed command.
var redactedHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"X-Api-Key":           true,
	"Api-Key":             true,
}

// CurlCommand renders req as a shell command that replays it, with
// credentials masked.
func CurlCommand(req Request) string {
	var b strings.Builder
	b.WriteString("curl -s -X ")
	b.WriteString(req.method())

	if strings.HasPrefix(req.URL, "https") {
		b.WriteString(" -k")
	}
	if req.Proxy != "" {
		b.WriteString(" --proxy ")
		b.WriteString(shellQuote(proxyLabel(req.Proxy)))
	} else {
		b.WriteString(" --noproxy '*'")
	}

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range req.Header[k] {
			if redactedHeaders[http.CanonicalHeaderKey(k)] {
				v = maskSecret(v)
			}
			b.WriteString(" -H ")
			b.WriteString(shellQuote(k + ": " + v))
		}
	}

	if len(req.Body) > 0 {
		b.WriteString(" -d ")
		b.WriteString(shellQuote(string(req.Body)))
	}

	target := req.URL
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	b.WriteString(" ")
	b.WriteString(shellQuote(target))
	return b.String()
}

// maskSecret keeps an auth scheme word ("Bearer") and hides the credential.
func maskSecret(v string) string {
	if scheme, _, ok := strings.Cut(v, " "); ok {
		return scheme + " ***"
	}
	return "***"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
