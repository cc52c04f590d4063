// Package diag carries non-fatal findings collected alongside successful
// results. Decode and extraction operations degrade instead of failing the
// batch; anything worth telling the caller about lands here.
package diag

import "fmt"

// Kind classifies a diagnostic.
type Kind string

const (
	// ContentIDCollision: two binary parts declared the same Content-ID;
	// the later part replaced the earlier one.
	ContentIDCollision Kind = "content_id_collision"

	// MagicMismatch: a part's declared content type does not match its
	// leading bytes. The document is still emitted.
	MagicMismatch Kind = "magic_mismatch"

	// UnboundPart: a binary part had no filename binding in the control
	// document; a name was synthesized from magic-byte sniffing.
	UnboundPart Kind = "unbound_part"

	// NothingExtracted: the input was readable but produced no documents.
	NothingExtracted Kind = "nothing_extracted"

	// SkippedEntry: a single archive member could not be read and was
	// skipped without aborting the batch.
	SkippedEntry Kind = "skipped_entry"

	// DepthLimit: a nested archive was left un-recursed because the
	// nesting ceiling was reached.
	DepthLimit Kind = "depth_limit"

	// AttachmentFailure: a single mail attachment failed to extract.
	AttachmentFailure Kind = "attachment_failure"

	// AttachmentFiltered: an attachment's extension was outside the
	// safe-list.
	AttachmentFiltered Kind = "attachment_filtered"

	// UnlockFailed: a protected PDF could not be unlocked with any known
	// candidate; the encrypted original was kept.
	UnlockFailed Kind = "unlock_failed"
)

// Diagnostic is one non-fatal finding tied to an item (part, entry or
// attachment identity).
type Diagnostic struct {
	Kind   Kind
	Item   string
	Detail string
}

func (d Diagnostic) String() string {
	if d.Detail == "" {
		return fmt.Sprintf("%s: %s", d.Kind, d.Item)
	}
	return fmt.Sprintf("%s: %s (%s)", d.Kind, d.Item, d.Detail)
}
