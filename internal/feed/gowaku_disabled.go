//go:build !real_waku

package feed

import "log/slog"

func newGoWakuBackend(_ *slog.Logger) relayTransport {
	return nil
}
