package delta

import "fmt"

// Compose 把先后发生的 a、b 合成一个 Delta，满足
// Apply(Compose(a, b), s) == Apply(b, Apply(a, s))。
func Compose(a, b Delta) (Delta, error) {
	if a.targetLen != b.baseLen {
		return Delta{}, fmt.Errorf("%w: %d != %d", ErrComposeLength, a.targetLen, b.baseLen)
	}

	var out Builder
	ca, cb := newCursor(a.ops), newCursor(b.ops)
	for {
		x, y := ca.head, cb.head
		switch {
		case !ca.ok && !cb.ok:
			return out.Build(), nil
		// a 删掉的字符 b 根本看不到，原样透传
		case ca.ok && x.Kind == KindDelete:
			out.Delete(x.Count)
			ca.next()
			continue
		// b 插入的字符 a 没见过，原样透传
		case cb.ok && y.Kind == KindInsert:
			out.Insert(y.Text)
			cb.next()
			continue
		case !ca.ok:
			return Delta{}, fmt.Errorf("%w: first delta is too short", ErrExhausted)
		case !cb.ok:
			return Delta{}, fmt.Errorf("%w: second delta is too short", ErrExhausted)
		}

		m := min(x.Len(), y.Len())
		switch {
		case x.Kind == KindRetain && y.Kind == KindRetain:
			out.Retain(m)
		case x.Kind == KindInsert && y.Kind == KindDelete:
			// a 插入的又被 b 删掉，相互抵消
		case x.Kind == KindInsert && y.Kind == KindRetain:
			head, _ := splitRunes(x.Text, m)
			out.Insert(head)
		case x.Kind == KindRetain && y.Kind == KindDelete:
			out.Delete(m)
		default:
			return Delta{}, fmt.Errorf("delta: cannot compose %s with %s", x, y)
		}
		ca.consume(m)
		cb.consume(m)
	}
}

// Compose 等价于 Compose(d, next)
func (d Delta) Compose(next Delta) (Delta, error) {
	return Compose(d, next)
}

// ComposeAll 依次合成一串连续的 Delta；空输入返回空 Delta
func ComposeAll(ds ...Delta) (Delta, error) {
	if len(ds) == 0 {
		return Delta{}, nil
	}
	acc := ds[0]
	for i, d := range ds[1:] {
		var err error
		if acc, err = Compose(acc, d); err != nil {
			return Delta{}, fmt.Errorf("compose #%d: %w", i+1, err)
		}
	}
	return acc, nil
}
