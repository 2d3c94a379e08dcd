package delta

import (
	"errors"
	"fmt"
	"strings"
)

// 以下错误都表示调用方违反了长度契约（上游 bug），内核不做恢复
var (
	ErrApplyLength     = errors.New("delta: input length does not match base length")
	ErrComposeLength   = errors.New("delta: target length of first delta does not match base length of second")
	ErrTransformLength = errors.New("delta: deltas do not share a base length")
	ErrExhausted       = errors.New("delta: one side exhausted while the other still has ops")
)

// Apply 把 d 作用到 s 上，s 的字符数必须等于 BaseLen
func (d Delta) Apply(s string) (string, error) {
	if n := runeCount(s); n != d.baseLen {
		return "", fmt.Errorf("%w: input has %d chars, base is %d", ErrApplyLength, n, d.baseLen)
	}
	var b strings.Builder
	b.Grow(len(s))
	rest := s
	for _, op := range d.ops {
		switch op.Kind {
		case KindRetain:
			var head string
			head, rest = splitRunes(rest, op.Count)
			b.WriteString(head)
		case KindDelete:
			_, rest = splitRunes(rest, op.Count)
		case KindInsert:
			b.WriteString(op.Text)
		}
	}
	return b.String(), nil
}

// Invert 以 s（d 作用前的原文）为依据构造撤销操作：
// retain 不变，insert 变 delete，delete 变成把原文对应片段插回去
func (d Delta) Invert(s string) (Delta, error) {
	if n := runeCount(s); n != d.baseLen {
		return Delta{}, fmt.Errorf("%w: pre-image has %d chars, base is %d", ErrApplyLength, n, d.baseLen)
	}
	var inv Builder
	rest := s
	for _, op := range d.ops {
		switch op.Kind {
		case KindRetain:
			inv.Retain(op.Count)
			_, rest = splitRunes(rest, op.Count)
		case KindInsert:
			inv.Delete(runeCount(op.Text))
		case KindDelete:
			var deleted string
			deleted, rest = splitRunes(rest, op.Count)
			inv.Insert(deleted)
		}
	}
	return inv.Build(), nil
}
