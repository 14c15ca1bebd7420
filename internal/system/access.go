package system

// Record-level access control over the access_read, access_edit,
// access_full and access_deny arrays. Empty arrays leave a record
// unrestricted at that level; a listed deny always wins; root and full
// principals bypass record ACLs entirely.

// ACLFields lists the only attributes the access operations may modify.
var ACLFields = []string{"access_read", "access_edit", "access_full", "access_deny"}

// IsACLField reports whether name is one of the access_* attributes.
func IsACLField(name string) bool {
	for _, f := range ACLFields {
		if f == name {
			return true
		}
	}
	return false
}

// aclContains reports whether id appears in a decoded ACL cell. Cells
// arrive as []string or []any depending on the decode path.
func aclContains(v any, id string) bool {
	switch list := v.(type) {
	case []string:
		for _, e := range list {
			if e == id {
				return true
			}
		}
	case []any:
		for _, e := range list {
			if s, ok := e.(string); ok && s == id {
				return true
			}
		}
	}
	return false
}

func aclEmpty(v any) bool {
	switch list := v.(type) {
	case []string:
		return len(list) == 0
	case []any:
		return len(list) == 0
	case nil:
		return true
	}
	return true
}

// CanReadRecord applies record ACLs for a read. A record with a non-empty
// access_read list is visible only to principals named in its read, edit
// or full lists.
func CanReadRecord(p Principal, rec map[string]any) bool {
	if !p.CanRead() {
		return false
	}
	if p.IsRoot() || p.Access == AccessFull {
		return true
	}
	id := p.ID.String()
	if aclContains(rec["access_deny"], id) {
		return false
	}
	if aclEmpty(rec["access_read"]) {
		return true
	}
	return aclContains(rec["access_read"], id) ||
		aclContains(rec["access_edit"], id) ||
		aclContains(rec["access_full"], id)
}

// CanEditRecord applies record ACLs for an update or delete. A record
// with a non-empty access_edit or access_full list may only be written by
// principals named there.
func CanEditRecord(p Principal, rec map[string]any) bool {
	if !p.CanWrite() {
		return false
	}
	if p.IsRoot() || p.Access == AccessFull {
		return true
	}
	id := p.ID.String()
	if aclContains(rec["access_deny"], id) {
		return false
	}
	if aclEmpty(rec["access_edit"]) && aclEmpty(rec["access_full"]) {
		return true
	}
	return aclContains(rec["access_edit"], id) ||
		aclContains(rec["access_full"], id)
}

// CanGrantRecord reports whether the principal may rewrite a record's ACL
// lists. Requires record-full standing or a full/root role.
func CanGrantRecord(p Principal, rec map[string]any) bool {
	if p.IsRoot() || p.Access == AccessFull {
		return true
	}
	if !p.CanWrite() {
		return false
	}
	id := p.ID.String()
	if aclContains(rec["access_deny"], id) {
		return false
	}
	return aclContains(rec["access_full"], id)
}

// FilterReadable drops the records the principal may not see.
func FilterReadable(p Principal, recs []map[string]any) []map[string]any {
	out := recs[:0]
	for _, rec := range recs {
		if CanReadRecord(p, rec) {
			out = append(out, rec)
		}
	}
	return out
}
