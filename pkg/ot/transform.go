package ot

// insertsFirst orders two inserts at the same position. Every replica must agree on it, so it only looks
// at fields that travel with the operation.
func insertsFirst(a, b Operation) bool {
	if a.AuthorID != b.AuthorID {
		return a.AuthorID < b.AuthorID
	}
	if a.Text != b.Text {
		return a.Text < b.Text
	}
	return a.ID <= b.ID
}

// transformInsertDelete derives the bottom two sides of the OT diamond, where the top two sides are an insert
// and a delete.
func transformInsertDelete(a, b Operation) (ap, bp Operation) {
	switch {
	case a.Position <= b.Position:
		// Insert before delete. Delete shifts forward.
		return a, b.with(b.Position+a.Span(), "", b.Length)
	case a.Position >= b.Position+b.Length:
		// Insert after delete. Insert shifts backward.
		return a.with(a.Position-b.Length, a.Text, 0), b
	default:
		// Insert inside the delete range. Delete expands to include the insert, and insert collapses to
		// nothing.
		return a.with(b.Position, "", 0), b.with(b.Position, "", b.Length+a.Span())
	}
}

func transformDeleteDelete(a, b Operation) (ap, bp Operation) {
	aEnd, bEnd := a.Position+a.Length, b.Position+b.Length
	if aEnd <= b.Position {
		return a, b.with(b.Position-a.Length, "", b.Length)
	} else if bEnd <= a.Position {
		return a.with(a.Position-b.Length, "", a.Length), b
	}
	// Deletions overlap.
	pos := min(a.Position, b.Position)
	overlap := min(aEnd, bEnd) - max(a.Position, b.Position)
	return a.with(pos, "", a.Length-overlap), b.with(pos, "", b.Length-overlap)
}

// transformRange moves a retained range across b. The range is treated like a delete that has no effect of
// its own, so b is left alone.
func transformRange(r, b Operation) Operation {
	asDelete := r
	asDelete.Kind = Delete
	var moved Operation
	switch b.Kind {
	case Insert:
		_, moved = transformInsertDelete(b, asDelete)
	case Delete:
		moved, _ = transformDeleteDelete(asDelete, b)
	default:
		return r
	}
	return r.with(moved.Position, "", moved.Length)
}

// Transform derives the bottom two sides of the OT diamond: given a and b against the same base it returns a'
// (a rebased over b) and b' (b rebased over a), so that applying a then b' matches applying b then a'.
func Transform(a, b Operation) (ap, bp Operation) {
	if a.Kind == Retain || b.Kind == Retain {
		if a.Kind == Retain {
			a = transformRange(a, b)
		}
		if b.Kind == Retain && a.Kind != Retain {
			b = transformRange(b, a)
		}
		return a, b
	}
	switch {
	case a.Kind == Insert && b.Kind == Insert:
		if a.Position < b.Position || (a.Position == b.Position && insertsFirst(a, b)) {
			return a, b.with(b.Position+a.Span(), b.Text, 0)
		}
		return a.with(a.Position+b.Span(), a.Text, 0), b
	case a.Kind == Insert && b.Kind == Delete:
		return transformInsertDelete(a, b)
	case a.Kind == Delete && b.Kind == Insert:
		ins, del := transformInsertDelete(b, a)
		return del, ins
	default:
		return transformDeleteDelete(a, b)
	}
}

// TransformAgainst rebases op over each of history in order and returns the result. history must be the
// operations committed after op's base, oldest first.
func TransformAgainst(op Operation, history []Operation) Operation {
	for _, h := range history {
		op, _ = Transform(op, h)
	}
	return op
}
