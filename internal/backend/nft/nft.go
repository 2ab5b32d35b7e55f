// Package nft enforces rules on a Linux bridge through nftables. Each
// forwarding device maps to one bridge-family table holding a forward
// filter chain; every installed rule carries its description as user data
// so it can be listed and swept by owner later.
package nft

import (
	"strings"

	"firestige.xyz/flowguard/internal/core"
)

// Default settings.
const (
	DefaultTablePrefix = "flowguard_"
	DefaultChain       = "forward"
)

// Options configures a Backend.
type Options struct {
	// TablePrefix is prepended to the sanitised device id to name its table.
	TablePrefix string
	// Chain is the base chain name inside each table.
	Chain string
	// Devices are the forwarding devices this backend serves.
	Devices []core.DeviceID
	// Verdicts maps rule action ids to "drop" or "accept".
	Verdicts map[string]string
}

func (o *Options) applyDefaults() {
	if o.TablePrefix == "" {
		o.TablePrefix = DefaultTablePrefix
	}
	if o.Chain == "" {
		o.Chain = DefaultChain
	}
}

// tableName derives the table name for device.
func tableName(prefix string, device core.DeviceID) string {
	return prefix + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, string(device))
}
