package chain

// CompareChains orders two candidate chains. It returns a positive number if
// a is preferred, negative if b is preferred and 0 only if both end in the
// same block. The order is, by priority: higher head, more distinct block
// authors, more blocks (work), smaller terminal block id.
func CompareChains(a, b []Block) int {
	if len(a) == 0 || len(b) == 0 {
		return len(a) - len(b)
	}
	ha, hb := a[len(a)-1].Height, b[len(b)-1].Height
	if ha != hb {
		if ha > hb {
			return 1
		}
		return -1
	}
	if na, nb := distinctAuthors(a), distinctAuthors(b); na != nb {
		return na - nb
	}
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	ia, ib := a[len(a)-1].ID, b[len(b)-1].ID
	switch {
	case ia < ib:
		return 1
	case ia > ib:
		return -1
	}
	return 0
}

// ResolveFork returns the preferred chain. The result does not depend on
// argument order.
func ResolveFork(a, b []Block) []Block {
	if CompareChains(a, b) >= 0 {
		return a
	}
	return b
}

func distinctAuthors(blocks []Block) int {
	seen := make(map[string]struct{}, len(blocks))
	for i := range blocks {
		seen[blocks[i].AuthorPub] = struct{}{}
	}
	return len(seen)
}
