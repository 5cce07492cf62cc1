package serialframe

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// DecodePolicy selects what happens to bytes that do not decode as text.
// Decoding never fails the ingestion; it only degrades.
type DecodePolicy int

const (
	// DecodeReplace substitutes the replacement character for each bad byte.
	DecodeReplace DecodePolicy = iota
	// DecodeIgnore drops bad bytes.
	DecodeIgnore
)

const defaultCharset = "utf-8"

// String returns the name ParseDecodePolicy accepts.
func (p DecodePolicy) String() string {
	switch p {
	case DecodeReplace:
		return "replace"
	case DecodeIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("DecodePolicy(%d)", int(p))
	}
}

// ParseDecodePolicy parses "replace" or "ignore". The empty string means replace.
func ParseDecodePolicy(s string) (DecodePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "replace":
		return DecodeReplace, nil
	case "ignore":
		return DecodeIgnore, nil
	default:
		return 0, fmt.Errorf("%w: unknown decode policy %q", ErrInvalidConfig, s)
	}
}

// textDecoder turns byte chunks into runes, holding back an incomplete
// multi-byte sequence at the end of a chunk until more bytes arrive.
type textDecoder struct {
	policy      DecodePolicy
	replacement rune
	transformer transform.Transformer // nil for UTF-8
	// literalRepl is the charset's own encoding of U+FFFD, nil when the
	// charset cannot represent it.
	literalRepl []byte
	tail        []byte
}

func newTextDecoder(charset string, policy DecodePolicy, replacement rune) (*textDecoder, error) {
	if policy != DecodeReplace && policy != DecodeIgnore {
		return nil, fmt.Errorf("%w: unknown decode policy %d", ErrInvalidConfig, int(policy))
	}
	d := &textDecoder{policy: policy, replacement: replacement}

	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8":
		return d, nil
	}

	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("%w: unsupported charset %q", ErrInvalidConfig, charset)
	}
	d.transformer = enc.NewDecoder()
	d.literalRepl = encodedReplacement(enc)
	return d, nil
}

// encodedReplacement returns how enc writes U+FFFD, or nil if it cannot.
// A leading rune keeps a byte order mark out of the result.
func encodedReplacement(enc encoding.Encoding) []byte {
	base, err := enc.NewEncoder().String("a")
	if err != nil {
		return nil
	}
	with, err := enc.NewEncoder().String("a\uFFFD")
	if err != nil || len(with) <= len(base) || !strings.HasPrefix(with, base) {
		return nil
	}
	return []byte(with[len(base):])
}

func (d *textDecoder) degrade(dst []rune) []rune {
	if d.policy == DecodeIgnore {
		return dst
	}
	return append(dst, d.replacement)
}

// decode appends the runes decoded from tail+p to dst and reports how many
// substitutions or drops it made.
func (d *textDecoder) decode(p []byte, dst []rune) ([]rune, int) {
	if len(d.tail) > 0 {
		buf := make([]byte, 0, len(d.tail)+len(p))
		buf = append(buf, d.tail...)
		p = append(buf, p...)
		d.tail = nil
	}
	if d.transformer != nil {
		if d.literalRepl != nil {
			return d.decodeUnits(p, dst)
		}
		out, rest := d.transform(p, false)
		d.tail = rest
		return d.appendUTF8(out, dst)
	}

	degraded := 0
	for len(p) > 0 {
		r, size := utf8.DecodeRune(p)
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(p) {
				d.tail = append([]byte(nil), p...)
				break
			}
			dst = d.degrade(dst)
			degraded++
			p = p[1:]
			continue
		}
		dst = append(dst, r)
		p = p[size:]
	}
	return dst, degraded
}

// flush degrades whatever is left in the tail; the stream is over.
func (d *textDecoder) flush(dst []rune) ([]rune, int) {
	tail := d.tail
	d.tail = nil
	if len(tail) == 0 {
		return dst, 0
	}
	if d.transformer != nil {
		out, _ := d.transform(tail, true)
		return d.appendUTF8(out, dst)
	}
	for range tail {
		dst = d.degrade(dst)
	}
	return dst, len(tail)
}

func (d *textDecoder) reset() {
	d.tail = nil
	if d.transformer != nil {
		d.transformer.Reset()
	}
}

// appendUTF8 copies transformer output into dst. x/text decoders substitute
// U+FFFD for undecodable input, so that rune marks a degradation here.
func (d *textDecoder) appendUTF8(out []byte, dst []rune) ([]rune, int) {
	degraded := 0
	for len(out) > 0 {
		r, size := utf8.DecodeRune(out)
		if r == utf8.RuneError {
			dst = d.degrade(dst)
			degraded++
		} else {
			dst = append(dst, r)
		}
		out = out[size:]
	}
	return dst, degraded
}

// decodeUnits feeds the charset decoder one growing prefix at a time, so each
// output is paired with exactly the bytes it was decoded from. A U+FFFD that
// came from the charset's own encoding of it is text, not a substitution.
func (d *textDecoder) decodeUnits(src []byte, dst []rune) ([]rune, int) {
	var buf [8 * utf8.UTFMax]byte
	degraded := 0
	for k := 1; len(src) > 0; {
		if k > len(src) {
			d.tail = append([]byte(nil), src...)
			break
		}
		nDst, nSrc, err := d.transformer.Transform(buf[:], src[:k], false)
		if nSrc == 0 && nDst == 0 {
			if err == nil || errors.Is(err, transform.ErrShortSrc) {
				k++
				continue
			}
			// Decoders normally substitute; anything else costs one byte.
			dst = d.degrade(dst)
			degraded++
			src = src[1:]
			k = 1
			d.transformer.Reset()
			continue
		}

		out := buf[:nDst]
		if bytes.Equal(src[:nSrc], d.literalRepl) && string(out) == string(utf8.RuneError) {
			dst = append(dst, utf8.RuneError)
		} else {
			var n int
			dst, n = d.appendUTF8(out, dst)
			degraded += n
		}
		if nSrc == 0 {
			k++
			continue
		}
		src = src[nSrc:]
		k = 1
	}
	return dst, degraded
}

// transform runs src through the charset decoder. Unless atEOF is set, an
// incomplete trailing sequence is returned as rest.
func (d *textDecoder) transform(src []byte, atEOF bool) (out, rest []byte) {
	dst := make([]byte, len(src)*utf8.UTFMax+utf8.UTFMax)
	for len(src) > 0 {
		nDst, nSrc, err := d.transformer.Transform(dst, src, atEOF)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]
		switch {
		case err == nil:
		case errors.Is(err, transform.ErrShortSrc):
			if atEOF {
				out = append(out, string(utf8.RuneError)...)
				d.transformer.Reset()
				return out, nil
			}
			return out, append([]byte(nil), src...)
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				dst = make([]byte, 2*len(dst))
			}
		default:
			// Decoders normally substitute; anything else costs one byte.
			out = append(out, string(utf8.RuneError)...)
			if len(src) > 0 {
				src = src[1:]
			}
			d.transformer.Reset()
		}
	}
	return out, nil
}
