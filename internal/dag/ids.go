package dag

import (
	"fmt"
	"sort"
	"strconv"
)

// UID identifies a logical document across all of its revisions.
// Zero is never allocated.
type UID uint64

// CID identifies a commit and tags every revision that commit produced.
// CIDs are allocated from a monotonic counter, so numeric order is creation order.
// Zero is never allocated.
type CID uint64

// NoCID is the unset commit identifier.
const NoCID CID = 0

// String returns the fixed-width hex form used in file names and logs.
func (u UID) String() string {
	return fmt.Sprintf("%016x", uint64(u))
}

// String returns the fixed-width hex form used in file names and logs.
func (c CID) String() string {
	return fmt.Sprintf("%016x", uint64(c))
}

// ParseUID parses the hex form produced by UID.String.
func ParseUID(s string) (UID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid uid %q", s)
	}
	return UID(v), nil
}

// ParseCID parses the hex form produced by CID.String.
func ParseCID(s string) (CID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil || v == 0 {
		return NoCID, fmt.Errorf("invalid cid %q", s)
	}
	return CID(v), nil
}

// SortUIDs sorts in place and drops duplicates.
func SortUIDs(uids []UID) []UID {
	if len(uids) == 0 {
		return uids
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	out := uids[:1]
	for _, u := range uids[1:] {
		if u != out[len(out)-1] {
			out = append(out, u)
		}
	}
	return out
}

// SortCIDs sorts ascending in place.
func SortCIDs(cids []CID) []CID {
	sort.Slice(cids, func(i, j int) bool { return cids[i] < cids[j] })
	return cids
}
