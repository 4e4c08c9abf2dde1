package vmx

// crInvalid reports whether a control-register value violates the hardware's
// fixed-bit constraints: a bit required to be 1 (set in fixed0) is clear, or
// a bit required to be 0 (clear in fixed1) is set.
func crInvalid(value, fixed0, fixed1 uint64) bool {
	return ^(value|^fixed0) != 0 || ^(^value|fixed1) != 0
}
