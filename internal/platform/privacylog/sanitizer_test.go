package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	return payload
}

func TestSanitizingHandlerRedactsKeyMaterial(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test",
		"signing_seed", "3vQB7B6MrGQZaxCuFg4oh",
		"mnemonic", "abandon abandon about",
		"private_key", "deadbeef",
		"rpc_token", "t0ken",
		"key_passphrase", "hunter2",
		"txid", "t1",
	)

	payload := decodeLine(t, &buf)
	for _, key := range []string{"signing_seed", "mnemonic", "private_key", "rpc_token", "key_passphrase"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %q", key, got)
		}
	}
	if got, _ := payload["txid"].(string); got != "t1" {
		t.Fatalf("expected txid untouched, got %q", got)
	}
}

func TestSanitizingHandlerFingerprintsClientAddresses(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test", "remote_addr", "10.0.0.7:5511")

	payload := decodeLine(t, &buf)
	if _, ok := payload["remote_addr"]; ok {
		t.Fatal("remote_addr should not be present")
	}
	got, _ := payload["remote_addr_fp"].(string)
	if !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got != FingerprintID("10.0.0.7:5511") {
		t.Fatal("fingerprint should be stable within a process")
	}
}

func TestSanitizingHandlerStripsURLCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test", "webhook_url", "https://user:pw@pay.example.com/hook?key=abc")

	payload := decodeLine(t, &buf)
	got, _ := payload["webhook_url"].(string)
	if strings.Contains(got, "pw") || strings.Contains(got, "abc") {
		t.Fatalf("credentials leaked: %q", got)
	}
	if !strings.HasPrefix(got, "https://pay.example.com/hook") {
		t.Fatalf("unexpected url rendering: %q", got)
	}
}

func TestSanitizingHandlerWalksGroupsAndWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	logger := slog.New(h).With("rpc_token", "abc")
	logger.Info("msg", slog.Group("key", slog.String("passphrase", "pw"), slog.String("kind", "file")))

	out := buf.String()
	if strings.Contains(out, `"abc"`) || strings.Contains(out, `"pw"`) {
		t.Fatalf("expected secrets redacted, got %s", out)
	}
	if !strings.Contains(out, `"kind":"file"`) {
		t.Fatalf("expected plain group attr kept, got %s", out)
	}

	buf.Reset()
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("client_ip", "127.0.0.1"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "client_ip_fp") {
		t.Fatalf("expected sanitized client_ip key, got %s", buf.String())
	}
}
