package events

import "time"

// MaxPDUAge is the staleness threshold from spec §4.C: a PDU older
// than this, and not authored by the appservice's own owner user, is
// evicted before delivery.
const MaxPDUAge = 3 * time.Minute

// Merge appends other onto e following the combine rule in spec §4.C:
// txn ids are comma-joined, types/pdu/edu are concatenated in arrival
// order, otk counts are unioned with later entries winning on
// collision, and device lists are unioned.
func (e *Events) Merge(other *Events) {
	if other.TxnID != "" {
		if e.TxnID == "" {
			e.TxnID = other.TxnID
		} else {
			e.TxnID += "," + other.TxnID
		}
	}
	e.Types = append(e.Types, other.Types...)
	e.PDU = append(e.PDU, other.PDU...)
	e.EDU = append(e.EDU, other.EDU...)
	for userID, count := range other.OTKCount {
		e.SetOTKCount(userID, count)
	}
	e.DeviceLists.Union(other.DeviceLists)
}

// PopExpiredPDU removes every PDU older than MaxPDUAge whose sender is
// not ownerMXID, returning the removed events. now is passed in by the
// caller rather than read from time.Now so the policy is deterministic
// under test.
func (e *Events) PopExpiredPDU(ownerMXID string, now time.Time) []JSON {
	if len(e.PDU) == 0 {
		return nil
	}
	kept := e.PDU[:0:0]
	var expired []JSON
	for _, pdu := range e.PDU {
		age := now.Sub(time.UnixMilli(OriginServerTS(pdu)))
		if age > MaxPDUAge && Sender(pdu) != ownerMXID {
			expired = append(expired, pdu)
			continue
		}
		kept = append(kept, pdu)
	}
	e.PDU = kept
	return expired
}
