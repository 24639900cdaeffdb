package transport

import (
	"errors"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// streamDecoder turns binary output frames into text. Invalid bytes become
// U+FFFD; a rune split across two frames is held back until the rest of it
// arrives.
type streamDecoder struct {
	dec   *encoding.Decoder
	carry []byte
}

func newStreamDecoder() *streamDecoder {
	return &streamDecoder{dec: unicode.UTF8.NewDecoder()}
}

// Decode returns the text for p plus any bytes carried from the previous
// frame.
func (d *streamDecoder) Decode(p []byte) string {
	return d.transform(p, false)
}

// Flush decodes whatever is still carried, replacing a dangling partial
// rune with U+FFFD.
func (d *streamDecoder) Flush() string {
	if len(d.carry) == 0 {
		return ""
	}
	return d.transform(nil, true)
}

func (d *streamDecoder) transform(p []byte, atEOF bool) string {
	src := p
	if len(d.carry) > 0 {
		src = append(d.carry, p...)
		d.carry = nil
	}
	if len(src) == 0 {
		return ""
	}

	// Each invalid byte expands to the three-byte replacement rune.
	dst := make([]byte, len(src)*3+utf8.UTFMax)
	nDst, nSrc, err := d.dec.Transform(dst, src, atEOF)
	if errors.Is(err, transform.ErrShortSrc) {
		d.carry = append([]byte(nil), src[nSrc:]...)
	}
	return string(dst[:nDst])
}
