// Package delta 实现纯文本协作编辑的操作变换（OT）内核。
//
// 一个 Delta 是 retain/insert/delete 原语组成的有序序列，外加两个长度：
// BaseLen 是它能作用的输入串长度，TargetLen 是输出串长度。长度一律按
// Unicode 字符（rune）计。Delta 只能经由构建器（Builder，或 Delta 自身的
// Retain/Delete/Insert）生成，构建器保证规范形式：
//   - 不存零长度原语
//   - 相邻原语类型不同（同类合并）
//   - 同一位置上 insert 总在 delete 之前
//
// Delta 交出去之后即视为不可变，多个 goroutine 可以并发读取。Delta 上的
// Retain/Delete/Insert 是写时复制的：在值拷贝上继续追加不会改动原值。
package delta

import (
	"fmt"
	"slices"
	"strings"
)

type Delta struct {
	ops       []Op
	baseLen   int
	targetLen int
}

// New 返回空 Delta（等价于零值）
func New() Delta {
	return Delta{}
}

// FromOps 按顺序把 ops 逐个喂给构建器，结果一定是规范形式
func FromOps(ops ...Op) Delta {
	var b Builder
	for _, op := range ops {
		b.Add(op)
	}
	return b.Build()
}

func (d Delta) BaseLen() int   { return d.baseLen }
func (d Delta) TargetLen() int { return d.targetLen }
func (d Delta) Len() int       { return len(d.ops) }

// Ops 返回原语序列的副本
func (d Delta) Ops() []Op {
	out := make([]Op, len(d.ops))
	copy(out, d.ops)
	return out
}

// IsNoop 空序列或只有一个 retain 时为 true
func (d Delta) IsNoop() bool {
	switch len(d.ops) {
	case 0:
		return true
	case 1:
		return d.ops[0].Kind == KindRetain
	}
	return false
}

// Equal 按原语序列做结构比较；长度由原语决定，不必单独比较
func (d Delta) Equal(o Delta) bool {
	if len(d.ops) != len(o.ops) {
		return false
	}
	for i := range d.ops {
		if d.ops[i] != o.ops[i] {
			return false
		}
	}
	return true
}

func (d Delta) String() string {
	parts := make([]string, len(d.ops))
	for i, op := range d.ops {
		parts[i] = op.String()
	}
	return fmt.Sprintf("[%s] (%d->%d)", strings.Join(parts, ", "), d.baseLen, d.targetLen)
}

// Add 按类型分派到 Retain/Delete/Insert
func (d *Delta) Add(op Op) *Delta {
	d.detach()
	d.add(op)
	return d
}

func (d *Delta) Retain(n int) *Delta {
	d.detach()
	d.retain(n)
	return d
}

func (d *Delta) Delete(n int) *Delta {
	d.detach()
	d.del(n)
	return d
}

// Insert 追加插入。末尾是 delete 时把插入挪到 delete 前面，
// 保证同一位置 insert 先于 delete，与追加顺序无关。
func (d *Delta) Insert(s string) *Delta {
	d.detach()
	d.insert(s)
	return d
}

// detach 换一块只属于 d 的底层数组，原地合并和 append 都不会碰到值拷贝。
// 每次调用都要复制，成批构建用 Builder。
func (d *Delta) detach() {
	if d.ops == nil {
		return
	}
	ops := make([]Op, len(d.ops), len(d.ops)+1)
	copy(ops, d.ops)
	d.ops = ops
}

// 以下原地修改 d.ops，调用方必须独占底层数组

func (d *Delta) add(op Op) {
	switch op.Kind {
	case KindRetain:
		d.retain(op.Count)
	case KindDelete:
		d.del(op.Count)
	case KindInsert:
		d.insert(op.Text)
	default:
		panic(fmt.Sprintf("delta: unknown op kind %q", string(op.Kind)))
	}
}

func (d *Delta) retain(n int) {
	assertCount(n)
	if n == 0 {
		return
	}
	d.baseLen += n
	d.targetLen += n
	if last := len(d.ops) - 1; last >= 0 && d.ops[last].Kind == KindRetain {
		d.ops[last].Count += n
		return
	}
	d.ops = append(d.ops, Retain(n))
}

func (d *Delta) del(n int) {
	assertCount(n)
	if n == 0 {
		return
	}
	d.baseLen += n
	if last := len(d.ops) - 1; last >= 0 && d.ops[last].Kind == KindDelete {
		d.ops[last].Count += n
		return
	}
	d.ops = append(d.ops, Delete(n))
}

func (d *Delta) insert(s string) {
	if s == "" {
		return
	}
	d.targetLen += runeCount(s)
	n := len(d.ops)
	switch {
	case n >= 1 && d.ops[n-1].Kind == KindInsert:
		d.ops[n-1].Text += s
	case n >= 2 && d.ops[n-1].Kind == KindDelete && d.ops[n-2].Kind == KindInsert:
		d.ops[n-2].Text += s
	case n >= 1 && d.ops[n-1].Kind == KindDelete:
		del := d.ops[n-1]
		d.ops[n-1] = Insert(s)
		d.ops = append(d.ops, del)
	default:
		d.ops = append(d.ops, Insert(s))
	}
}

// Builder 独占一块底层数组，追加是均摊 O(1) 的。Build 返回副本，
// 之后 Builder 还可以继续追加。零值可用。
type Builder struct {
	d Delta
}

func (b *Builder) Add(op Op) *Builder {
	b.d.add(op)
	return b
}

func (b *Builder) Retain(n int) *Builder {
	b.d.retain(n)
	return b
}

func (b *Builder) Delete(n int) *Builder {
	b.d.del(n)
	return b
}

func (b *Builder) Insert(s string) *Builder {
	b.d.insert(s)
	return b
}

func (b *Builder) Build() Delta {
	out := b.d
	out.ops = slices.Clone(b.d.ops)
	return out
}

// 负数长度属于调用方的编程错误
func assertCount(n int) {
	if n < 0 {
		panic(fmt.Sprintf("delta: negative count %d", n))
	}
}
