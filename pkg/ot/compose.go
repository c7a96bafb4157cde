package ot

// Compose folds op1 followed by op2 into the shortest sequence with the same effect. The result is applied in
// order against the content op1 applies to. Operations that cannot be merged come back unchanged apart from
// dropping no-ops.
func Compose(op1, op2 Operation) []Operation {
	if op1.IsNoop() {
		return nonNoop(op2)
	}
	if op2.IsNoop() {
		return nonNoop(op1)
	}
	switch {
	case op1.Kind == Insert && op2.Kind == Insert:
		// Second insert lands inside or at either edge of the first.
		if op2.Position >= op1.Position && op2.Position <= op1.Position+op1.Span() {
			rs := []rune(op1.Text)
			at := op2.Position - op1.Position
			return []Operation{op1.with(op1.Position, string(rs[:at])+op2.Text+string(rs[at:]), 0)}
		}
	case op1.Kind == Delete && op2.Kind == Delete:
		// Second delete covers the point where the first one closed the gap.
		if op1.Position >= op2.Position && op1.Position <= op2.Position+op2.Length {
			return []Operation{op2.with(op2.Position, "", op1.Length+op2.Length)}
		}
	case op1.Kind == Insert && op2.Kind == Delete:
		return composeInsertDelete(op1, op2)
	}
	return []Operation{op1, op2}
}

// composeInsertDelete handles a delete that eats into freshly inserted text. The part of the delete outside
// the insert becomes a delete of the original content, and whatever survives of the insert is placed where
// that delete starts.
func composeInsertDelete(ins, del Operation) []Operation {
	insEnd := ins.Position + ins.Span()
	lo := max(del.Position, ins.Position)
	hi := min(del.Position+del.Length, insEnd)
	if hi <= lo {
		return []Operation{ins, del}
	}
	rs := []rune(ins.Text)
	kept := string(rs[:lo-ins.Position]) + string(rs[hi-ins.Position:])
	at := min(ins.Position, del.Position)
	out := make([]Operation, 0, 2)
	if rest := del.Length - (hi - lo); rest > 0 {
		out = append(out, del.with(at, "", rest))
	}
	if kept != "" {
		out = append(out, ins.with(at, kept, 0))
	}
	return out
}

func nonNoop(op Operation) []Operation {
	if op.IsNoop() {
		return nil
	}
	return []Operation{op}
}

// ComposeAll compacts a run of sequential operations. Retains and other no-ops are dropped.
func ComposeAll(ops []Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if op.IsNoop() {
			continue
		}
		if len(out) == 0 {
			out = append(out, op)
			continue
		}
		last := out[len(out)-1]
		out = append(out[:len(out)-1], Compose(last, op)...)
	}
	return out
}
