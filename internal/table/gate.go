package table

import "dicehall.gg/internal/persistence/docstore"

// CapabilityFn is an optional probe exposed by the document store deployment
// (per-message ACLs, delegated ownership). Errors fail safe to "no".
type CapabilityFn func(viewer *Client, msg docstore.Message) (bool, error)

// canModify decides whether the viewer may write the roll document directly:
// the author always can, a GM always can, and otherwise the capability probe
// gets the last word. Any error means no.
func (t *Table) canModify(viewer *Client, msg docstore.Message) bool {
	if viewer == nil {
		return false
	}
	if msg.Author == viewer.ID {
		return true
	}
	if viewer.GM {
		return true
	}
	if t.capability != nil {
		ok, err := t.capability(viewer, msg)
		if err != nil {
			return false
		}
		return ok
	}
	return false
}
