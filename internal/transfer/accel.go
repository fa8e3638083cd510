package transfer

import (
	"strings"

	"github.com/yunzuo/syncdesk/internal/types"
)

// ResolveEndpoint returns the base endpoint a transfer should use: the
// selected acceleration node when one is configured, the direct server
// URL otherwise. Pure selection, no probing and no fallback — a dead
// node surfaces as ordinary transfer errors until the user switches.
func ResolveEndpoint(serverURL string, cfg types.SyncConfig) string {
	node := strings.TrimSpace(cfg.AccelerationNodeURL)
	if cfg.AccelerationNodeID != 0 && node != "" {
		return strings.TrimRight(node, "/")
	}
	return strings.TrimRight(serverURL, "/")
}
