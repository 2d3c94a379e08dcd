package delta

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
)

func TestDecodeNormalizes(t *testing.T) {
	got, err := Decode([]byte(`[1, -1, "abc"]`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	var want Delta
	want.Retain(1).Delete(1).Insert("abc")
	assertDelta(t, got, want)
	assertDelta(t, got, FromOps(Retain(1), Insert("abc"), Delete(1)))
}

func TestDecodeNonCanonical(t *testing.T) {
	got, err := Decode([]byte(`[0, 2, 3, "", "a", "b", -1, -1, 0]`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	assertDelta(t, got, FromOps(Retain(5), Insert("ab"), Delete(2)))
}

func TestEncode(t *testing.T) {
	b, err := Encode(FromOps(Retain(5), Insert("lorem"), Retain(2), Delete(2)))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if got, want := string(b), `[5,"lorem",2,-2]`; got != want {
		t.Fatalf("Encode() = %s, want %s", got, want)
	}
	if b, _ := Encode(New()); string(b) != "[]" {
		t.Fatalf("Encode(empty) = %s, want []", b)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, in := range []string{`{"retain":1}`, `[1.5]`, `[true]`, `[[1]]`, `[null]`, `"abc"`, `[99999999999]`} {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrBadWireOp) {
			t.Fatalf("Decode(%s) error = %v, want ErrBadWireOp", in, err)
		}
	}
}

func TestDecodeNull(t *testing.T) {
	got, err := Decode([]byte(`null`))
	if err != nil {
		t.Fatalf("Decode(null) error = %v", err)
	}
	if !got.IsNoop() || got.Len() != 0 {
		t.Fatalf("Decode(null) = %s, want empty", got)
	}
}

func TestEmbeddedField(t *testing.T) {
	type msg struct {
		Ops Delta `json:"ops"`
	}
	var m msg
	if err := json.Unmarshal([]byte(`{"ops":[3,"中文",-1]}`), &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if m.Ops.BaseLen() != 4 || m.Ops.TargetLen() != 5 {
		t.Fatalf("lengths = (%d,%d), want (4,5)", m.Ops.BaseLen(), m.Ops.TargetLen())
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if got, want := string(b), `{"ops":[3,"中文",-1]}`; got != want {
		t.Fatalf("Marshal() = %s, want %s", got, want)
	}
}

func TestRandomWireRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	for i := 0; i < 1000; i++ {
		s := randomString(rng, 20)
		o := randomDelta(rng, s)
		b, err := Encode(o)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", b, err)
		}
		assertDelta(t, got, o)
		if got.BaseLen() != o.BaseLen() || got.TargetLen() != o.TargetLen() {
			t.Fatalf("round trip lengths (%d,%d), want (%d,%d)", got.BaseLen(), got.TargetLen(), o.BaseLen(), o.TargetLen())
		}
	}
}
