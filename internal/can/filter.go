package can

// Filter describes which frames a bus handle should deliver.
//
// An ID filter matches when (frame.ID & Mask) == (ID & Mask) and the frame's
// extended flag equals Extended. A module filter matches when the first payload
// byte equals Module. A Filter with neither HasID nor HasModule accepts everything.
type Filter struct {
	HasID    bool
	ID       uint32
	Mask     uint32
	Extended bool

	HasModule bool
	Module    uint8
}

// BuildFilters returns zero, one or two filters for the optional CAN ID and
// payload module ID. The module filter augments the ID filter: Accept requires both.
func BuildFilters(canID *uint32, moduleID *uint8) []Filter {
	var out []Filter
	if canID != nil {
		out = append(out, Filter{HasID: true, ID: *canID, Mask: CAN_SFF_MASK})
	}
	if moduleID != nil {
		out = append(out, Filter{HasModule: true, Module: *moduleID})
	}
	return out
}

// IsNoop reports whether f constrains nothing.
func (f Filter) IsNoop() bool { return !f.HasID && !f.HasModule }

// MatchID applies only the identifier part of f.
func (f Filter) MatchID(fr Frame) bool {
	if !f.HasID {
		return true
	}
	if fr.Extended() != f.Extended {
		return false
	}
	return fr.ID()&f.Mask == f.ID&f.Mask
}

// MatchModule applies only the payload module part of f.
func (f Filter) MatchModule(fr Frame) bool {
	if !f.HasModule {
		return true
	}
	return fr.Len > 0 && fr.Data[0] == f.Module
}

// IDFilters returns the filters that carry an identifier constraint; these are
// the only ones a kernel or driver can apply.
func IDFilters(filters []Filter) []Filter {
	var out []Filter
	for _, f := range filters {
		if f.HasID {
			out = append(out, f)
		}
	}
	return out
}

// Accept is the software backstop for a filter set. ID constraints are OR'ed
// (any matching ID filter passes), module constraints are AND'ed with them.
// An empty set accepts every frame.
func Accept(filters []Filter, fr Frame) bool {
	idSeen, idOK := false, false
	for _, f := range filters {
		if f.HasID {
			idSeen = true
			if f.MatchID(fr) {
				idOK = true
			}
		}
		if !f.MatchModule(fr) {
			return false
		}
	}
	return !idSeen || idOK
}
