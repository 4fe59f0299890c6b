// Package privacylog wraps a slog.Handler so key material, credentials and
// client network identities never reach the log sink in plain form.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()
	// Substring match, so "rpc_token" and "signing_seed" are both caught.
	sensitiveKeyParts = []string{
		"seed",
		"mnemonic",
		"private",
		"secret",
		"token",
		"password",
		"passphrase",
		"authorization",
	}
	fingerprintKeys = map[string]struct{}{
		"remote_addr": {},
		"client_ip":   {},
		"client_key":  {},
	}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr applies the redaction rules to a single attribute. Groups are
// walked recursively.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	switch {
	case isSensitiveKey(lowerKey):
		return slog.String(key, redactedValue)
	case isFingerprintKey(lowerKey):
		return slog.String(key+"_fp", FingerprintID(attr.Value.Resolve().String()))
	case isURLKey(lowerKey) && attr.Value.Kind() == slog.KindString:
		return slog.String(key, StripURLCredentials(attr.Value.String()))
	case attr.Value.Kind() == slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAttrs(attr.Value.Group())...)}
	}
	return attr
}

// FingerprintID hashes value with a per-process nonce; equal inputs correlate
// within one run only.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

// StripURLCredentials drops userinfo and the query string, which commonly
// carry webhook or relay credentials.
func StripURLCredentials(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return redactedValue
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = ""
		u.ForceQuery = false
		return u.String() + "?" + redactedValue
	}
	return u.String()
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func isFingerprintKey(key string) bool {
	_, ok := fingerprintKeys[key]
	return ok
}

func isURLKey(key string) bool {
	return key == "url" || strings.HasSuffix(key, "_url")
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("fallback_%p", &buf)
	}
	return hex.EncodeToString(buf)
}
