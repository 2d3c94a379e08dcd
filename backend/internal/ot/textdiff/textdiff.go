// Package textdiff 把两段全文的差异转换成 delta，用于只提交整篇内容的客户端。
package textdiff

import (
	"unicode/utf8"

	diffpatch "github.com/sergi/go-diff/diffmatchpatch"

	"textcollab/backend/internal/ot/delta"
)

// Delta 返回把 from 变成 to 的 delta，BaseLen 等于 from 的字符数
func Delta(from, to string) delta.Delta {
	dmp := diffpatch.New()
	diffs := dmp.DiffMain(from, to, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var d delta.Builder
	for _, diff := range diffs {
		switch diff.Type {
		case diffpatch.DiffEqual:
			d.Retain(utf8.RuneCountInString(diff.Text))
		case diffpatch.DiffDelete:
			d.Delete(utf8.RuneCountInString(diff.Text))
		case diffpatch.DiffInsert:
			d.Insert(diff.Text)
		}
	}
	return d.Build()
}
