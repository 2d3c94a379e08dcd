package delta

import (
	"fmt"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Op 单个原语操作：retain/delete 用 Count，insert 用 Text
type Op struct {
	Kind  Kind   `json:"kind"`
	Count int    `json:"count,omitempty"`
	Text  string `json:"text,omitempty"`
}

func Retain(n int) Op    { return Op{Kind: KindRetain, Count: n} }
func Delete(n int) Op    { return Op{Kind: KindDelete, Count: n} }
func Insert(s string) Op { return Op{Kind: KindInsert, Text: s} }

func (o Op) IsRetain() bool { return o.Kind == KindRetain }
func (o Op) IsDelete() bool { return o.Kind == KindDelete }
func (o Op) IsInsert() bool { return o.Kind == KindInsert }

// Len 返回该操作覆盖的字符数（按 rune 计）
func (o Op) Len() int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

func (o Op) String() string {
	switch o.Kind {
	case KindRetain:
		return fmt.Sprintf("retain(%d)", o.Count)
	case KindDelete:
		return fmt.Sprintf("delete(%d)", o.Count)
	case KindInsert:
		return fmt.Sprintf("insert(%q)", o.Text)
	}
	return fmt.Sprintf("unknown(%s)", string(o.Kind))
}

// runeCount 所有长度都按 Unicode 标量值计，不按字节
func runeCount(s string) int {
	return utf8.RuneCountInString(s)
}

// splitRunes 在第 n 个字符处切分，不会切坏多字节字符
func splitRunes(s string, n int) (head, tail string) {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], s[pos:]
		}
		i++
	}
	return s, ""
}
