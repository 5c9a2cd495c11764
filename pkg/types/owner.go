package types

// UserID identifies a registered principal. It is a distinct type
// rather than a bare string so owner sets and participant checks
// cannot be confused with arbitrary strings at compile time.
type UserID string

// OwnerList is a non-empty set of UserIDs. The zero value is the empty
// set; callers that require non-emptiness (e.g. file registration)
// enforce it explicitly rather than in the type itself, since an empty
// OwnerList is a valid intermediate value while building up a union.
type OwnerList struct {
	uids map[UserID]struct{}
}

// NewOwnerList builds an OwnerList from the given ids, deduplicating.
func NewOwnerList(ids ...UserID) OwnerList {
	ol := OwnerList{uids: make(map[UserID]struct{}, len(ids))}
	for _, id := range ids {
		ol.uids[id] = struct{}{}
	}
	return ol
}

func (o OwnerList) Contains(id UserID) bool {
	_, ok := o.uids[id]
	return ok
}

func (o OwnerList) Len() int { return len(o.uids) }

func (o OwnerList) IsEmpty() bool { return o.Len() == 0 }

// Insert returns a copy of o with id added.
func (o OwnerList) Insert(id UserID) OwnerList {
	out := NewOwnerList()
	for existing := range o.uids {
		out.uids[existing] = struct{}{}
	}
	out.uids[id] = struct{}{}
	return out
}

// Union returns the set union of o and other, leaving both unmodified.
func (o OwnerList) Union(other OwnerList) OwnerList {
	out := NewOwnerList()
	for id := range o.uids {
		out.uids[id] = struct{}{}
	}
	for id := range other.uids {
		out.uids[id] = struct{}{}
	}
	return out
}

// Unions folds Union across a slice of OwnerLists.
func Unions(lists ...OwnerList) OwnerList {
	out := NewOwnerList()
	for _, l := range lists {
		out = out.Union(l)
	}
	return out
}

// Equal reports whether o and other contain exactly the same ids.
func (o OwnerList) Equal(other OwnerList) bool {
	if len(o.uids) != len(other.uids) {
		return false
	}
	for id := range o.uids {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// Slice returns the ids in o in no particular order.
func (o OwnerList) Slice() []UserID {
	out := make([]UserID, 0, len(o.uids))
	for id := range o.uids {
		out = append(out, id)
	}
	return out
}

func (o OwnerList) MarshalJSON() ([]byte, error) {
	return marshalJSONSlice(o.Slice())
}

func (o *OwnerList) UnmarshalJSON(data []byte) error {
	ids, err := unmarshalJSONSlice[UserID](data)
	if err != nil {
		return err
	}
	*o = NewOwnerList(ids...)
	return nil
}
