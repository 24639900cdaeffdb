package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamDecoderPassesValidText(t *testing.T) {
	d := newStreamDecoder()
	assert.Equal(t, "bin  etc  usr\r\n", d.Decode([]byte("bin  etc  usr\r\n")))
	assert.Equal(t, "\x1b[31mred\x1b[0m", d.Decode([]byte("\x1b[31mred\x1b[0m")))
	assert.Equal(t, "", d.Flush())
}

func TestStreamDecoderJoinsSplitRune(t *testing.T) {
	d := newStreamDecoder()
	snowman := []byte("☃") // e2 98 83

	assert.Equal(t, "a", d.Decode(append([]byte("a"), snowman[:2]...)))
	assert.Equal(t, "☃b", d.Decode(append(snowman[2:], 'b')))
}

func TestStreamDecoderReplacesInvalidBytes(t *testing.T) {
	d := newStreamDecoder()
	assert.Equal(t, "a�b", d.Decode([]byte{'a', 0xff, 'b'}))
}

func TestStreamDecoderFlushesDanglingRune(t *testing.T) {
	d := newStreamDecoder()
	assert.Equal(t, "x", d.Decode([]byte{'x', 0xe2, 0x98}))
	tail := d.Flush()
	assert.NotEmpty(t, tail)
	assert.Contains(t, tail, "\uFFFD")
	assert.Equal(t, "", d.Flush())
}
