package ustr

import "testing"

func TestMkUstrSliceTruncatesAtNul(t *testing.T) {
	buf := []uint8{'h', 'i', 0, 'x', 'x', 'x'}
	got := MkUstrSlice(buf)
	if !got.Eq(MkUstrFromString("hi")) {
		t.Fatalf("got %q, want %q", got.String(), "hi")
	}
}

func TestMkUstrSliceNoNul(t *testing.T) {
	buf := []uint8{'a', 'b', 'c'}
	got := MkUstrSlice(buf)
	if got.String() != "abc" {
		t.Fatalf("got %q, want %q", got.String(), "abc")
	}
}

func TestEq(t *testing.T) {
	a := MkUstrFromString("hello.txt")
	b := MkUstrFromString("hello.txt")
	c := MkUstrFromString("hello.tx")
	if !a.Eq(b) {
		t.Error("identical names should be equal")
	}
	if a.Eq(c) {
		t.Error("names of different length should not be equal")
	}
}

func repeat(b byte, n int) Ustr {
	s := make(Ustr, n)
	for i := range s {
		s[i] = b
	}
	return s
}

func TestValid(t *testing.T) {
	cases := []struct {
		name string
		us   Ustr
		want bool
	}{
		{"empty", MkUstr(), false},
		{"normal", MkUstrFromString("hello.txt"), true},
		{"exactly-at-limit", repeat('a', NameLimit), true},
		{"over-limit", repeat('a', NameLimit+1), false},
		{"contains-nul", Ustr{'a', 0, 'b'}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.us.Valid(); got != c.want {
				t.Errorf("Valid() = %v, want %v", got, c.want)
			}
		})
	}
}
