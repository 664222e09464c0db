package sshterminal

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// OutputDecoder converts terminal output chunks to UTF-8 text. Invalid bytes
// become U+FFFD; a multi-byte sequence split across two chunks is held back
// and decoded with the next chunk. Not safe for concurrent use.
type OutputDecoder struct {
	t     transform.Transformer
	carry []byte
}

// NewOutputDecoder returns a decoder with no pending bytes.
func NewOutputDecoder() *OutputDecoder {
	return &OutputDecoder{t: unicode.UTF8.NewDecoder()}
}

// Decode returns the text for p plus any bytes held back from the previous
// call. A trailing incomplete sequence is kept for the next call.
func (d *OutputDecoder) Decode(p []byte) string {
	return d.transform(p, false)
}

// Flush decodes whatever is still held back, replacing it if incomplete.
func (d *OutputDecoder) Flush() string {
	return d.transform(nil, true)
}

func (d *OutputDecoder) transform(p []byte, atEOF bool) string {
	src := p
	if len(d.carry) > 0 {
		src = append(d.carry, p...)
		d.carry = nil
	}
	if len(src) == 0 {
		return ""
	}

	// Each source byte expands to at most the 3-byte replacement rune.
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
	if err != nil && err != transform.ErrShortSrc {
		d.t.Reset()
		return strings.ToValidUTF8(string(src), string(utf8.RuneError))
	}
	if nSrc < len(src) {
		d.carry = append([]byte(nil), src[nSrc:]...)
	}
	return string(dst[:nDst])
}
