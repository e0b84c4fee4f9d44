package transport

import (
	"net/url"
	"strings"
)

// redactedParams are query parameters carrying credentials.
var redactedParams = []string{"auth", "rauth"}

// redactURL hides credential query parameters so URLs can be logged.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "[unparseable url]"
	}
	q := u.Query()
	changed := false
	for _, p := range redactedParams {
		if q.Has(p) {
			q.Set(p, "[REDACTED]")
			changed = true
		}
	}
	if changed {
		u.RawQuery = strings.ReplaceAll(q.Encode(), "%5BREDACTED%5D", "[REDACTED]")
	}
	return u.String()
}
