package gateway

import "strings"

// ConvertHTTPToWS rewrites an http(s) URL to its ws(s) equivalent. URLs that
// are already WebSocket URLs (or anything else) pass through unchanged.
func ConvertHTTPToWS(url string) string {
	switch {
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	return url
}
