package router

import "strings"

// parseGhost splits a Matrix user id into (owner, prefix) if it is a
// bridged ghost of the form "{mxidPrefix}{owner}_{prefix}_{…}{mxidSuffix}"
// (spec glossary, "Ghost"). Anything after the second underscore
// (a bridge-specific remote id) is discarded — only the first two
// components identify the owning appservice.
func parseGhost(mxidPrefix, mxidSuffix, userID string) (owner, prefix string, ok bool) {
	if userID == "" || !strings.HasPrefix(userID, mxidPrefix) || !strings.HasSuffix(userID, mxidSuffix) {
		return "", "", false
	}
	localpart := userID[len(mxidPrefix) : len(userID)-len(mxidSuffix)]
	parts := strings.SplitN(localpart, "_", 3)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
