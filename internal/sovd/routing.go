package sovd

import "strings"

// Gateways and proxies prefix resource ids (parameters, operations, outputs,
// faults) with a sub-entity id separated by "/". These helpers centralise
// the prefix handling so every call site behaves identically.

// SplitEntityPrefix splits "child/local_id" into ("child", "local_id").
// It splits on the first "/" only, so nested gateway paths keep their
// remaining prefix on the local side. Returns ok=false without a separator.
func SplitEntityPrefix(id string) (child, local string, ok bool) {
	idx := strings.Index(id, "/")
	if idx < 0 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}

// PrefixedID prepends "prefix/" to an id; an empty prefix returns the id
// unchanged.
func PrefixedID(id, prefix string) string {
	if prefix == "" {
		return id
	}
	return prefix + "/" + id
}

// StripEntityPrefix removes "prefix/" from an id; ok=false when the id does
// not carry that prefix.
func StripEntityPrefix(id, prefix string) (string, bool) {
	full := prefix + "/"
	if strings.HasPrefix(id, full) {
		return id[len(full):], true
	}
	return "", false
}
