package collab

import (
	"textcollab/backend/internal/ot/delta"
)

// 抽象文档内容缓冲区接口
// Apply 必须与 delta.Delta.Apply 在同一内容上得到相同结果
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

/*
结构示例

初始文档内容 `"Hello world"`：

- original buffer 内容：`"Hello world"`
- add buffer 为空
- piece 表：[ (orig, offset=0, length=11) ]

应用 delta `[5, " collaborative"]`：
- 在 add buffer 末尾追加 `" collaborative"`
- piece 表从一条拆成三条：

[
  (orig, offset=0, length=5),       // "Hello"
  (add,  offset=0, length=14),      // " collaborative"
  (orig, offset=5, length=6),       // " world"
]
*/
