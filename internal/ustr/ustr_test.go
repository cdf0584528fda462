package ustr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsdotIsdotdot(t *testing.T) {
	assert.True(t, MkDot().Isdot())
	assert.False(t, MkDot().Isdotdot())
	assert.True(t, DotDot.Isdotdot())
}

func TestEq(t *testing.T) {
	assert.True(t, Ustr("abc").Eq(Ustr("abc")))
	assert.False(t, Ustr("abc").Eq(Ustr("abd")))
	assert.False(t, Ustr("ab").Eq(Ustr("abc")))
}

func TestFromSliceTruncatesAtNUL(t *testing.T) {
	buf := []uint8{'h', 'i', 0, 'x', 'x'}
	assert.Equal(t, "hi", FromSlice(buf).String())
}

func TestExtend(t *testing.T) {
	base := Ustr("/a")
	got := base.ExtendStr("b")
	assert.Equal(t, "/a/b", got.String())
}

func TestIsAbsolute(t *testing.T) {
	assert.True(t, Ustr("/a/b").IsAbsolute())
	assert.False(t, Ustr("a/b").IsAbsolute())
}

func TestSplitSkipsEmptyComponents(t *testing.T) {
	parts := Ustr("/a//b/c/").Split()
	require := make([]string, len(parts))
	for i, p := range parts {
		require[i] = p.String()
	}
	assert.Equal(t, []string{"a", "b", "c"}, require)
}

func TestDirAndBase(t *testing.T) {
	p := Ustr("/a/b/c")
	assert.Equal(t, "/a/b", p.Dir().String())
	assert.Equal(t, "c", p.Base().String())

	root := Ustr("/a")
	assert.Equal(t, "/", root.Dir().String())

	rel := Ustr("a")
	assert.Equal(t, ".", rel.Dir().String())
}

func TestHasPrefix(t *testing.T) {
	assert.True(t, Ustr("/a/b").HasPrefix(Ustr("/a")))
	assert.False(t, Ustr("/a/b").HasPrefix(Ustr("/a/b/c")))
}
