package delta

// cursor 遍历一侧的原语序列。head 可能是被部分消耗后剩下的残余原语。
type cursor struct {
	ops  []Op
	i    int
	head Op
	ok   bool
}

func newCursor(ops []Op) *cursor {
	c := &cursor{ops: ops}
	c.next()
	return c
}

func (c *cursor) next() {
	if c.i < len(c.ops) {
		c.head, c.ok = c.ops[c.i], true
		c.i++
		return
	}
	c.head, c.ok = Op{}, false
}

// consume 从 head 中消耗 n 个字符；消耗完则前进到下一个原语
func (c *cursor) consume(n int) {
	if n >= c.head.Len() {
		c.next()
		return
	}
	if c.head.Kind == KindInsert {
		_, c.head.Text = splitRunes(c.head.Text, n)
		return
	}
	c.head.Count -= n
}
