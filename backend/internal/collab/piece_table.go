package collab

import (
	"fmt"
	"strings"

	"textcollab/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int // 偏移量（rune）
	length int
}

// PieceTable 按 rune 存储，所有位置都是字符位置
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

var _ Buffer = (*PieceTable)(nil)

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	return pt.length
}

func (pt *PieceTable) String() string {
	var b strings.Builder
	for _, p := range pt.pieces {
		b.WriteString(string(pt.runes(p.buf)[p.offset : p.offset+p.length]))
	}
	return b.String()
}

func (pt *PieceTable) runes(k bufferKind) []rune {
	if k == bufAdd {
		return pt.add
	}
	return pt.original
}

// Apply 按 delta 依次 retain/insert/delete。
// 先校验 BaseLen，长度不符时整个 delta 拒绝，表内容不变。
func (pt *PieceTable) Apply(d delta.Delta) error {
	if d.BaseLen() != pt.length {
		return fmt.Errorf("%w: buffer has %d chars, base is %d", delta.ErrApplyLength, pt.length, d.BaseLen())
	}
	pos := 0
	for _, op := range d.Ops() {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, op.Text)
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

// insert 在逻辑位置 pos 插入 text，返回插入的字符数
func (pt *PieceTable) insert(pos int, text string) int {
	r := []rune(text)
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	np := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, offset := pt.locate(pos)
	switch {
	case idx == len(pt.pieces):
		pt.pieces = append(pt.pieces, np)
	case offset == 0:
		pt.pieces = append(pt.pieces[:idx], append([]piece{np}, pt.pieces[idx:]...)...)
	default:
		// 拆成 左 / 新 / 右 三段
		cur := pt.pieces[idx]
		left := piece{buf: cur.buf, offset: cur.offset, length: offset}
		right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}
		newPieces := make([]piece, 0, len(pt.pieces)+2)
		newPieces = append(newPieces, pt.pieces[:idx]...)
		newPieces = append(newPieces, left, np, right)
		newPieces = append(newPieces, pt.pieces[idx+1:]...)
		pt.pieces = newPieces
	}
	pt.length += len(r)
	return len(r)
}

// delete 从逻辑位置 pos 开始删 n 个字符
func (pt *PieceTable) delete(pos, n int) {
	remain := n
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(remain, cur.length-offset)

		switch {
		case offset == 0 && take == cur.length:
			// 整个 piece 都删掉，idx 不动
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		case offset == 0:
			// 删掉头部
			pt.pieces[idx] = piece{buf: cur.buf, offset: cur.offset + take, length: cur.length - take}
		case offset+take == cur.length:
			// 删掉尾部，从下一个 piece 开头继续
			pt.pieces[idx].length = offset
			idx++
			offset = 0
		default:
			// 只删中间一段：拆成 左 / 右 两段
			left := piece{buf: cur.buf, offset: cur.offset, length: offset}
			right := piece{buf: cur.buf, offset: cur.offset + offset + take, length: cur.length - offset - take}
			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			newPieces = append(newPieces, left, right)
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
		}
		remain -= take
		pt.length -= take
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
