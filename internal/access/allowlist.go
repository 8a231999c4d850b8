// Package access decides who may run privileged bot commands.
package access

// Allowlist is a fixed set of administrator user IDs
type Allowlist struct {
	ids map[int64]bool
}

// NewAllowlist creates an allowlist of ids
func NewAllowlist(ids []int64) *Allowlist {
	a := &Allowlist{ids: make(map[int64]bool, len(ids))}
	for _, id := range ids {
		a.ids[id] = true
	}
	return a
}

// IsAuthorized reports whether userID is an administrator
func (a *Allowlist) IsAuthorized(userID int64) bool {
	if a == nil {
		return false
	}
	return a.ids[userID]
}

// IDs returns the administrator IDs in no particular order
func (a *Allowlist) IDs() []int64 {
	if a == nil {
		return nil
	}
	out := make([]int64, 0, len(a.ids))
	for id := range a.ids {
		out = append(out, id)
	}
	return out
}
