package script

// stackGuard asserts that the evaluation stack is balanced across an
// operation and unwinds it when it is not, on every exit path. Acquire it at
// scope entry and release it with defer.
type stackGuard struct {
	e          *Engine
	initialTop int
	consumed   int
	returned   int
}

// newStackGuard records the current stack height. consumed is the number of
// values the operation removes from the stack; returned is the number of
// values it leaves behind.
func (e *Engine) newStackGuard(consumed, returned int) *stackGuard {
	return &stackGuard{
		e:          e,
		initialTop: e.L.GetTop(),
		consumed:   consumed,
		returned:   returned,
	}
}

// release verifies the stack height and truncates back to the expected
// height, preserving the top `returned` values. A mismatch is logged unless
// the expected-exception flag is set.
func (g *stackGuard) release() {
	L := g.e.L
	target := g.initialTop - g.consumed + g.returned
	top := L.GetTop()
	if top == target {
		return
	}
	if !g.e.expectedException {
		g.e.log.Warnf("stack guard: unexpected stack size. expected %d, actual %d",
			target, top)
	}
	if g.returned == 0 || top < target {
		L.SetTop(target)
		return
	}
	// Remove intermediate values while preserving the return values on top.
	for L.GetTop() > target {
		L.Remove(L.GetTop() - g.returned)
	}
}
