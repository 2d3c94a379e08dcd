package cache

import "fmt"

// 键语义：
// - opLogKey(docID): 文档操作日志（List<AppliedOp JSON>），按版本递增 RPUSH
//
// {docID:...} 是 cluster 的 hash tag，同一文档的键落在同一个 slot

const (
	keyOpLogFmt = "ot:oplog:{docID:%s}"
)

func opLogKey(docID string) string { return fmt.Sprintf(keyOpLogFmt, docID) }
