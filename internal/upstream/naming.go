package upstream

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"regexp"
	"strings"
)

// Proxy tool naming. Upstream tools are re-exposed under a compact,
// collision-resistant namespace bounded by client-side identifier
// length limits (the tightest known client allows 60 characters, and
// some prepend their own prefix, leaving less).
//
// Forms, in order of preference:
//
//	compact  up_<server_id>_<tool>
//	hash     up_<4-8 hex of sha256(server_id)>_<tool>
//	legacy   upstream__<server_id>__<tool>   (parsed, never produced)

// MaxProxyNameLength is the default total length budget.
const MaxProxyNameLength = 60

const (
	prefixCompact    = "up_"
	prefixLegacy     = "upstream__"
	separatorCompact = "_"
	separatorLegacy  = "__"
)

// NameFormat identifies which proxy form a name uses.
type NameFormat string

const (
	FormatCompact NameFormat = "compact"
	FormatHash    NameFormat = "hash"
	FormatLegacy  NameFormat = "legacy"
)

var hashAliasRe = regexp.MustCompile(`^[0-9a-f]{4,8}$`)

// GenerateProxyName builds a proxy name within maxLen. The compact
// form is preferred; when it overflows, the server id is replaced by
// the longest sha256 prefix (8, 6, or 4 hex chars) that lets the tool
// name fit whole; an overlong tool name is truncated with a ".."
// marker as the last resort.
func GenerateProxyName(serverID, tool string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = MaxProxyNameLength
	}

	compact := prefixCompact + serverID + separatorCompact + tool
	if len(compact) <= maxLen {
		return compact
	}

	// hash fallback: up_ + hash + _ + tool, minimum hash length 4
	minOverhead := len(prefixCompact) + len(separatorCompact) + 4
	if maxLen < minOverhead+3 {
		// below the floor where even a one-char tool fits behind the
		// shortest hash; fall back to the default budget
		log.Printf("[Naming] Budget %d is below the minimum viable width, using %d", maxLen, MaxProxyNameLength)
		maxLen = MaxProxyNameLength
		if len(compact) <= maxLen {
			return compact
		}
	}
	truncated := tool
	if maxTool := maxLen - minOverhead; len(tool) > maxTool {
		truncated = tool[:maxTool-2] + ".."
		log.Printf("[Naming] Tool name %q truncated to %q to fit the %d char limit", tool, truncated, maxLen)
	}

	available := maxLen - len(prefixCompact) - len(separatorCompact) - len(truncated)
	sum := sha256.Sum256([]byte(serverID))
	digest := hex.EncodeToString(sum[:])
	var alias string
	switch {
	case available >= 8:
		alias = digest[:8]
	case available >= 6:
		alias = digest[:6]
	default:
		alias = digest[:4]
	}

	name := prefixCompact + alias + separatorCompact + truncated
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	return name
}

// HashAlias returns the 8-hex-char alias for a server id, for the
// reverse map kept by the manager.
func HashAlias(serverID string) string {
	sum := sha256.Sum256([]byte(serverID))
	return hex.EncodeToString(sum[:])[:8]
}

// ParseProxyName splits a proxy name into its server part (a literal
// server id or a hash alias) and tool name. ok is false when the name
// is not a proxy name at all.
func ParseProxyName(name string) (serverPart, tool string, format NameFormat, ok bool) {
	if rest, found := strings.CutPrefix(name, prefixLegacy); found {
		server, toolName, split := strings.Cut(rest, separatorLegacy)
		if !split || server == "" || toolName == "" {
			return "", "", "", false
		}
		return server, toolName, FormatLegacy, true
	}
	if rest, found := strings.CutPrefix(name, prefixCompact); found {
		server, toolName, split := strings.Cut(rest, separatorCompact)
		if !split || server == "" || toolName == "" {
			return "", "", "", false
		}
		if hashAliasRe.MatchString(server) {
			return server, toolName, FormatHash, true
		}
		return server, toolName, FormatCompact, true
	}
	return "", "", "", false
}

// IsProxyName reports whether a tool name belongs to the proxy
// namespace.
func IsProxyName(name string) bool {
	return strings.HasPrefix(name, prefixCompact) || strings.HasPrefix(name, prefixLegacy)
}
