package btree

import "github.com/embeddb/embeddb/internal/pcache"

// streamingCompare compares a cell's full key against target without ever
// materialising more of the overflow chain than it has to: it reads the
// key in chunks and stops as soon as a difference is found. Used by
// callers that only need ordering, not the key's bytes.
func streamingCompare(p *pcache.Pager, c *Cell, target []byte, cmp Comparator) (int, error) {
	inlineKeyLen := int(c.KeyLen)
	if inlineKeyLen > len(c.Inline) {
		inlineKeyLen = len(c.Inline)
	}
	head := c.Inline[:inlineKeyLen]
	n := len(target)
	if n > inlineKeyLen {
		n = inlineKeyLen
	}
	if d := cmp.Compare(head[:n], target[:n]); d != 0 || int(c.KeyLen) <= inlineKeyLen {
		if d != 0 {
			return d, nil
		}
		return compareLen(inlineKeyLen, len(target)), nil
	}
	rest, err := readOverflow(p, c.OverflowHead, 0, int(c.KeyLen)-inlineKeyLen)
	if err != nil {
		return 0, err
	}
	full := append(append([]byte(nil), head...), rest...)
	return cmp.Compare(full, target), nil
}

func compareLen(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
