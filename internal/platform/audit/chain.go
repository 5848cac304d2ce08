package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Genesis is the HashPrev of the first event of a chain.
const Genesis = "GENESIS"

func ComputeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.AuditID))
	_, _ = h.Write([]byte("|" + e.RecordedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	_, _ = h.Write([]byte("|" + e.ActorID + "|" + e.ActorRole))
	_, _ = h.Write([]byte("|" + e.ObjectType + "|" + e.ObjectID + "|" + e.Action + "|" + string(e.Result)))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x|%x|%s", e.Before, e.After, e.Reason)))
	return hex.EncodeToString(h.Sum(nil))
}

// ChainStatus is the outcome of a full chain walk. BrokenAt names the first
// event whose link or hash does not match.
type ChainStatus struct {
	Intact   bool
	Checked  int
	BrokenAt string
}

// Walker checks events one at a time, in append order, so a chain can be
// verified while it is streamed from storage.
type Walker struct {
	prev   string
	status ChainStatus
}

// NewWalker starts a walk at anchor: Genesis, or the HashCurr of the last
// event before the walked range.
func NewWalker(anchor string) *Walker {
	return &Walker{prev: anchor, status: ChainStatus{Intact: true}}
}

// Next checks e and reports whether the chain is still intact.
func (w *Walker) Next(e Event) bool {
	if !w.status.Intact {
		return false
	}
	if e.HashPrev != w.prev || ComputeHash(w.prev, e) != e.HashCurr {
		w.status.Intact = false
		w.status.BrokenAt = e.AuditID
		return false
	}
	w.prev = e.HashCurr
	w.status.Checked++
	return true
}

func (w *Walker) Status() ChainStatus { return w.status }

// Verify walks the chain from genesis and returns the index of the first
// event whose link or hash does not match, or -1 when the chain is intact.
func Verify(events []Event) int {
	return VerifyFrom(Genesis, events)
}

// VerifyFrom is Verify for a chain suffix whose predecessor hash is anchor.
func VerifyFrom(anchor string, events []Event) int {
	w := NewWalker(anchor)
	for i, e := range events {
		if !w.Next(e) {
			return i
		}
	}
	return -1
}
