// Package signer canonicalizes signing payloads and derives MD5 tokens.
//
// Remote deployments disagree on the exact JSON the token is computed over,
// so both whitespace conventions and the key-ordering toggle are exposed.
// Picking the wrong combination yields a well-formed token the server rejects.
package signer

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf16"

	"projectinfo-sync/pkg/projectinfo"
)

// Mode selects the whitespace convention of the canonical payload.
type Mode string

const (
	// Spaced emits `{"system": "A", "time": "B", "key": "C"}`.
	Spaced Mode = "spaced"
	// Compact emits `{"system":"A","time":"B","key":"C"}`.
	Compact Mode = "compact"
)

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Spaced:
		return Spaced, nil
	case Compact:
		return Compact, nil
	default:
		return "", fmt.Errorf("unknown canonicalization mode %q (want %q or %q)", s, Spaced, Compact)
	}
}

// Options controls canonicalization.
type Options struct {
	Mode     Mode // Empty means Spaced
	SortKeys bool // Lexicographic field order instead of system, time, key
}

// Signature is the canonical string and the token derived from it.
type Signature struct {
	Canonical string
	Token     projectinfo.Token
}

const redactedKey = "********"

type field struct {
	name  string
	value string
}

// Canonical returns the exact string that is hashed for p.
func Canonical(p projectinfo.SigningPayload, opts Options) string {
	fields := []field{
		{"system", p.System},
		{"time", p.Time},
		{"key", p.Key},
	}
	if opts.SortKeys {
		// key < system < time
		fields = []field{fields[2], fields[0], fields[1]}
	}

	itemSep, keySep := ", ", ": "
	if opts.Mode == Compact {
		itemSep, keySep = ",", ":"
	}

	var b strings.Builder
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteString(itemSep)
		}
		writeString(&b, f.name)
		b.WriteString(keySep)
		writeString(&b, f.value)
	}
	b.WriteByte('}')
	return b.String()
}

// Token hashes a canonical string.
func Token(canonical string) projectinfo.Token {
	sum := md5.Sum([]byte(canonical))
	return projectinfo.Token(hex.EncodeToString(sum[:]))
}

// Sign canonicalizes p and derives its token.
func Sign(p projectinfo.SigningPayload, opts Options) Signature {
	canonical := Canonical(p, opts)
	return Signature{Canonical: canonical, Token: Token(canonical)}
}

// RedactedCanonical returns the canonical form of p with the key masked.
// Safe to show in diagnostics and logs.
func RedactedCanonical(p projectinfo.SigningPayload, opts Options) string {
	p.Key = redactedKey
	return Canonical(p, opts)
}

const hexDigits = "0123456789abcdef"

// writeString writes s as an ASCII-only JSON string literal.
// Non-ASCII runes become \uXXXX escapes (surrogate pairs above the BMP) and
// <, >, & are left alone, which is what the server's encoder does.
func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\b':
			b.WriteString(`\b`)
		case r == '\f':
			b.WriteString(`\f`)
		case r < 0x20:
			writeUnicodeEscape(b, r)
		case r < 0x7f:
			b.WriteRune(r)
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			writeUnicodeEscape(b, hi)
			writeUnicodeEscape(b, lo)
		default:
			writeUnicodeEscape(b, r)
		}
	}
	b.WriteByte('"')
}

func writeUnicodeEscape(b *strings.Builder, r rune) {
	b.WriteString(`\u`)
	b.WriteByte(hexDigits[r>>12&0xf])
	b.WriteByte(hexDigits[r>>8&0xf])
	b.WriteByte(hexDigits[r>>4&0xf])
	b.WriteByte(hexDigits[r&0xf])
}
