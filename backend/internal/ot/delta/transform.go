package delta

import "fmt"

// Transform 把基于同一文档的并发操作 a、b 变换成 (a', b')，满足
// Compose(a, b') == Compose(b, a')。
//
// 两边在同一位置插入时，左参数 a 的插入排在前面。服务端变换收到的操作、
// 客户端变换自己未确认的操作时，都把客户端操作放在左边，两端才会得到同一结果。
func Transform(a, b Delta) (aPrime, bPrime Delta, err error) {
	if a.baseLen != b.baseLen {
		return Delta{}, Delta{}, fmt.Errorf("%w: %d != %d", ErrTransformLength, a.baseLen, b.baseLen)
	}

	var ab, bb Builder
	ca, cb := newCursor(a.ops), newCursor(b.ops)
	for {
		x, y := ca.head, cb.head
		switch {
		case !ca.ok && !cb.ok:
			return ab.Build(), bb.Build(), nil
		// 必须先于 b 的插入判断：左边的插入占前面的位置
		case ca.ok && x.Kind == KindInsert:
			ab.Insert(x.Text)
			bb.Retain(runeCount(x.Text))
			ca.next()
			continue
		case cb.ok && y.Kind == KindInsert:
			ab.Retain(runeCount(y.Text))
			bb.Insert(y.Text)
			cb.next()
			continue
		case !ca.ok:
			return Delta{}, Delta{}, fmt.Errorf("%w: first delta is too short", ErrExhausted)
		case !cb.ok:
			return Delta{}, Delta{}, fmt.Errorf("%w: second delta is too short", ErrExhausted)
		}

		m := min(x.Count, y.Count)
		switch {
		case x.Kind == KindRetain && y.Kind == KindRetain:
			ab.Retain(m)
			bb.Retain(m)
		case x.Kind == KindDelete && y.Kind == KindDelete:
			// 两边都删了这段，变换后谁都不用再删
		case x.Kind == KindDelete && y.Kind == KindRetain:
			ab.Delete(m)
		case x.Kind == KindRetain && y.Kind == KindDelete:
			bb.Delete(m)
		default:
			return Delta{}, Delta{}, fmt.Errorf("delta: cannot transform %s against %s", x, y)
		}
		ca.consume(m)
		cb.consume(m)
	}
}

// TransformAgainst 把 d 依次变换过一串已经发生的操作（服务端追平历史），
// d 始终作为左参数。
func TransformAgainst(d Delta, history ...Delta) (Delta, error) {
	for i, h := range history {
		var err error
		if d, _, err = Transform(d, h); err != nil {
			return Delta{}, fmt.Errorf("transform against #%d: %w", i, err)
		}
	}
	return d, nil
}
