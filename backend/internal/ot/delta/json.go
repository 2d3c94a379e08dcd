package delta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var ErrBadWireOp = errors.New("delta: bad wire op")

// 线上格式：JSON 数组，正整数 n = retain(n)，负整数 -n = delete(n)，字符串 s = insert(s)
// 例：[5, "lorem", -2]

func (d Delta) MarshalJSON() ([]byte, error) {
	elems := make([]any, len(d.ops))
	for i, op := range d.ops {
		switch op.Kind {
		case KindRetain:
			elems[i] = op.Count
		case KindDelete:
			elems[i] = -op.Count
		case KindInsert:
			elems[i] = op.Text
		}
	}
	return json.Marshal(elems)
}

// UnmarshalJSON 每个元素都经过构建器，所以非规范的编码（含 0、相邻同类）
// 会被规范化；对规范编码来说往返是恒等的。
func (d *Delta) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var elems []any
	if err := dec.Decode(&elems); err != nil {
		return fmt.Errorf("%w: %v", ErrBadWireOp, err)
	}
	var out Builder
	for i, e := range elems {
		switch v := e.(type) {
		case string:
			out.Insert(v)
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				return fmt.Errorf("%w: element %d: %q is not an integer", ErrBadWireOp, i, v.String())
			}
			if n > math.MaxInt32 || n < -math.MaxInt32 {
				return fmt.Errorf("%w: element %d: %d out of range", ErrBadWireOp, i, n)
			}
			if n >= 0 {
				out.Retain(int(n))
			} else {
				out.Delete(int(-n))
			}
		default:
			return fmt.Errorf("%w: element %d has type %T", ErrBadWireOp, i, e)
		}
	}
	*d = out.Build()
	return nil
}

// Encode / Decode 是 json.Marshal / json.Unmarshal 的便捷包装
func Encode(d Delta) ([]byte, error) {
	return json.Marshal(d)
}

func Decode(data []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return Delta{}, err
	}
	return d, nil
}
