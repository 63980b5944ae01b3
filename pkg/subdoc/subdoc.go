// Package subdoc implements the subdocument command bundle: tagged
// operations with path-flag bits, stable-sorted so XATTR operations are
// dispatched first while preserving the caller's original ordering in
// the result set.
package subdoc

import "sort"

// PathFlags is a bitset controlling how a single command's path is
// interpreted and applied.
type PathFlags uint8

const (
	CreateParents PathFlags = 0x01
	XAttr         PathFlags = 0x04
	ExpandMacros  PathFlags = 0x10
)

func (f PathFlags) Has(bit PathFlags) bool { return f&bit != 0 }

// OpCode names a lookup or mutate subdoc operation.
type OpCode uint8

const (
	OpGet OpCode = iota
	OpGetCount
	OpExists
	OpDictAdd
	OpDictUpsert
	OpReplace
	OpRemove
	OpCounter
	OpArrayPushFirst
	OpArrayPushLast
	OpArrayInsert
	OpArrayAddUnique
)

// StoreSemantics controls the whole-document intent of a mutate_in
// batch.
type StoreSemantics uint8

const (
	StoreSemanticsNone StoreSemantics = iota
	StoreSemanticsInsert
	StoreSemanticsUpsert
	StoreSemanticsReplace
)

// Command is one element of a command bundle as supplied by the caller.
type Command struct {
	Op    OpCode
	Path  string
	Value []byte
	Flags PathFlags

	// Delta is the counter increment for OpCounter.
	Delta int64

	// originalIndex is assigned by NewBundle and is never set by callers.
	originalIndex int
}

// OriginalIndex reports the position this command held in the slice
// passed to NewBundle, before XATTR-first sorting, so a caller walking
// DispatchOrder can tag each outcome for Reorder.
func (c Command) OriginalIndex() int { return c.originalIndex }

// Result carries a single command's outcome, tagged with the index it
// must be reported back at.
type Result struct {
	Command       Command
	Value         []byte
	Err           error
	OriginalIndex int
}

// Status enumerates per-path subdoc outcomes.
type Status int

const (
	StatusOK Status = iota
	StatusPathNotFound
	StatusPathExists
	StatusPathMismatch
	StatusPathInvalid
	StatusDocNotJSON
	StatusValueCannotInsert
	StatusNumRangeError
	StatusDeltaInvalid
)

// StatusError wraps a per-path Status as an error, recording the index
// and path that failed first in a multi-mutation response.
type StatusError struct {
	Status Status
	Index  int
	Path   string
}

func (e *StatusError) Error() string { return statusText[e.Status] }

var statusText = map[Status]string{
	StatusOK:                "ok",
	StatusPathNotFound:      "path not found",
	StatusPathExists:        "path exists",
	StatusPathMismatch:      "path mismatch",
	StatusPathInvalid:       "path invalid",
	StatusDocNotJSON:        "document not json",
	StatusValueCannotInsert: "value cannot insert",
	StatusNumRangeError:     "number range error",
	StatusDeltaInvalid:      "delta invalid",
}

// Bundle is an ordered command sequence prepared for dispatch: commands
// are stable-sorted with XATTR operations first, while each retains its
// originalIndex so results can be restored to caller order afterward.
type Bundle struct {
	StoreSemantics StoreSemantics
	CAS            uint64
	dispatchOrder  []Command
}

// NewBundle assigns original_index to each command in caller order,
// then stable-sorts XATTR commands ahead of body commands.
func NewBundle(store StoreSemantics, cas uint64, commands []Command) *Bundle {
	ordered := make([]Command, len(commands))
	for i, c := range commands {
		c.originalIndex = i
		ordered[i] = c
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Flags.Has(XAttr) && !ordered[j].Flags.Has(XAttr)
	})
	return &Bundle{StoreSemantics: store, CAS: cas, dispatchOrder: ordered}
}

// DispatchOrder returns the commands in the order they will be sent to
// the server: all XATTR commands first, stable within each partition.
func (b *Bundle) DispatchOrder() []Command { return b.dispatchOrder }

// Reorder restores a set of per-command results to the caller's
// original submission order.
func Reorder(results []Result) []Result {
	out := make([]Result, len(results))
	for _, r := range results {
		out[r.OriginalIndex] = r
	}
	return out
}

// ValidateStoreSemantics enforces the whole-document intent rules: an
// insert must not carry a CAS, and upsert must not carry a CAS
// (ambiguous). Replace is accepted with or without a CAS; this function
// does not compare it against the document's.
func ValidateStoreSemantics(store StoreSemantics, cas uint64) error {
	switch store {
	case StoreSemanticsInsert:
		if cas != 0 {
			return &StatusError{Status: StatusPathInvalid, Path: ""}
		}
	case StoreSemanticsUpsert:
		if cas != 0 {
			return &StatusError{Status: StatusPathInvalid, Path: ""}
		}
	}
	return nil
}

// ValidateCounterDelta enforces the counter bounds: zero is invalid,
// and the delta must not overflow a signed 64-bit accumulator when
// applied to current.
func ValidateCounterDelta(delta int64, current int64) error {
	if delta == 0 {
		return &StatusError{Status: StatusDeltaInvalid}
	}
	if delta > 0 && current > 0 && current > (1<<63-1)-delta {
		return &StatusError{Status: StatusNumRangeError}
	}
	if delta < 0 && current < 0 && current < -(1<<63)-delta {
		return &StatusError{Status: StatusNumRangeError}
	}
	return nil
}

// ValidateArrayAddUnique rejects compound values (anything that looks
// like a JSON object or array) and values already present in existing.
func ValidateArrayAddUnique(value []byte, existing [][]byte) error {
	if len(value) > 0 && (value[0] == '{' || value[0] == '[') {
		return &StatusError{Status: StatusValueCannotInsert}
	}
	for _, e := range existing {
		if string(e) == string(value) {
			return &StatusError{Status: StatusPathExists}
		}
	}
	return nil
}
