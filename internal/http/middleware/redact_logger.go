// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger. It scrubs obvious
// PII and credentials from request metadata before anything reaches the log:
//
//   - request and response bodies are never logged (uploads are PDFs)
//   - emails and phone numbers are replaced
//   - values of credential-like query parameters are replaced; this covers
//     presigned S3 URLs (X-Amz-Signature, X-Amz-Credential) and api keys
//   - sensitive headers (Authorization, Cookie, Set-Cookie, plus custom) are masked
//
// It also attaches a request-scoped logger carrying request_id and user_id
// that LoggerFrom returns to handlers.
package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// maxQueryLogLength caps the number of bytes of the scrubbed query logged.
const maxQueryLogLength = 2048

// RedactOptions configures additional scrub behavior for RedactingLogger.
type RedactOptions struct {
	// MaskHeaders lists extra header names whose values are fully replaced.
	// Matching is case-insensitive.
	MaskHeaders []string
	// MaskParams lists extra query parameter names whose values are replaced.
	MaskParams []string
	// SkipPaths are routes that are not logged at all when they succeed
	// (e.g. /health polled by a load balancer).
	SkipPaths []string
}

var (
	// UUIDs stay readable: chat and file ids are how operators trace a request.
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE = regexp.MustCompile(`\+?\d{1,3}[ .-]\(?\d{2,4}\)?[ .-]\d{3,4}[ .-]?\d{4}\b`)
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
)

// redactText replaces emails and phone numbers. UUIDs are shielded first so
// the phone pattern cannot eat their digit groups.
func redactText(s string) string {
	if s == "" {
		return s
	}
	ids := uuidRE.FindAllString(s, -1)
	s = uuidRE.ReplaceAllString(s, "\x00")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	s = phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
	for _, id := range ids {
		s = strings.Replace(s, "\x00", id, 1)
	}
	return s
}

// redactQuery masks sensitive parameter values and scrubs the rest.
func redactQuery(raw string, params map[string]struct{}) string {
	if raw == "" {
		return raw
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return redactText(raw)
	}
	for k, vv := range vals {
		if _, ok := params[strings.ToLower(k)]; ok {
			vals[k] = []string{"[REDACTED]"}
			continue
		}
		for i := range vv {
			vv[i] = redactText(vv[i])
		}
	}
	// Encode sorts by key, which keeps log lines stable.
	enc := vals.Encode()
	if q, err := url.QueryUnescape(enc); err == nil {
		return q
	}
	return enc
}

// RedactingLogger returns a Gin middleware that logs each request with
// sensitive values scrubbed. Level is INFO, WARN for 4xx and ERROR for 5xx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := toLowerSet([]string{"authorization", "cookie", "set-cookie"}, opts.MaskHeaders)
	maskParams := toLowerSet([]string{
		"token", "access_token", "api_key", "apikey", "key", "signature",
		"x-amz-signature", "x-amz-credential", "x-amz-security-token",
	}, opts.MaskParams)
	skip := make(map[string]struct{}, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		reqID := c.Writer.Header().Get(requestIDHeader)
		if reqID == "" {
			reqID = c.GetHeader(requestIDHeader)
		}

		lg := log.With().
			Str("request_id", reqID).
			Str("user_id", UserID(c)).
			Logger()
		c.Set(loggerKey, &lg)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redactText(strings.Join(vv, ", "))
		}
		safeQuery := truncate(redactQuery(c.Request.URL.RawQuery, maskParams), maxQueryLogLength)

		c.Next()

		status := c.Writer.Status()
		if _, ok := skip[path]; ok && status < 400 {
			return
		}

		ev := lg.Info()
		switch {
		case status >= 500 || len(c.Errors) > 0:
			ev = lg.Error()
		case status >= 400:
			ev = lg.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}

		ev.
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int64("bytes_in", c.Request.ContentLength).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}

func toLowerSet(base, extra []string) map[string]struct{} {
	out := make(map[string]struct{}, len(base)+len(extra))
	for _, s := range append(base, extra...) {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}
