package control

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"time"

	"github.com/ryandielhenn/distcache/internal/obs"
	"github.com/ryandielhenn/distcache/internal/secret"
)

// Framer encodes and decodes the wire format:
//
//	"2" NUL scope NUL sid NUL cmd NUL url NUL  tstamp(8 LE)  hmac(32)
//
// A Framer is bound to one deployment's scope (for Receive filtering)
// and consults a secret.Store for HMAC keys by id.
type Framer struct {
	Scope   string
	Secrets *secret.Store

	SkewWindow   time.Duration // wide window: reject outside this
	NarrowWindow time.Duration // optional: warn-only inside skew but outside this, 0 disables
}

// Send assembles and writes one datagram to addr over conn. words is
// the ordered payload (for control messages: [cmd, url]). sid may be
// empty, in which case the HMAC field is 32 zero bytes.
func (f *Framer) Send(conn net.PacketConn, addr net.Addr, words []string, sid string) error {
	buf := f.encode(words, sid, nowMillis())
	if len(buf) > MaxMessageSize {
		return ErrMessageTooLarge{Size: len(buf)}
	}
	_, err := conn.WriteTo(buf, addr)
	return err
}

func (f *Framer) encode(words []string, sid string, tsMillis int64) []byte {
	var buf bytes.Buffer
	buf.WriteString(ProtocolVersion)
	buf.WriteByte(0)
	buf.WriteString(f.Scope)
	buf.WriteByte(0)
	buf.WriteString(sid)
	buf.WriteByte(0)
	for _, w := range words {
		buf.WriteString(w)
		buf.WriteByte(0)
	}

	var ts [TimestampLen]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(tsMillis))
	buf.Write(ts[:])

	mac := f.computeHMAC(sid, buf.Bytes())
	buf.Write(mac[:])

	return buf.Bytes()
}

func (f *Framer) computeHMAC(sid string, signed []byte) [HMACLen]byte {
	var out [HMACLen]byte
	key, ok := f.Secrets.Get(sid)
	if sid == "" || !ok {
		return out // zero-filled
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(signed)
	sum := mac.Sum(nil)
	copy(out[:], sum) // sha256 produces 32 bytes, matching HMACLen
	return out
}

// Decode parses and authenticates a received datagram. It returns the
// exact payload words that were sent, or an error: ErrMalformed for
// framing problems, ErrStaleMessage if the timestamp is outside
// SkewWindow, ErrAuthFailed if a non-empty sid's HMAC fails to verify.
func (f *Framer) Decode(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, ErrMalformed{Reason: "empty"}
	}
	if len(raw) < 1+1+TimestampLen+HMACLen {
		return nil, ErrMalformed{Reason: "truncated"}
	}

	body := raw[:len(raw)-TimestampLen-HMACLen]
	tsBytes := raw[len(raw)-TimestampLen-HMACLen : len(raw)-HMACLen]
	macBytes := raw[len(raw)-HMACLen:]

	fields, ok := splitNUL(body, 3) // version, scope, sid are fixed; rest are words
	if !ok {
		return nil, ErrMalformed{Reason: "nul-layout"}
	}
	version, scope, sid, wordsBlob := fields[0], fields[1], fields[2], fields[3]

	if version != ProtocolVersion {
		return nil, ErrMalformed{Reason: "version"}
	}
	if scope != f.Scope {
		return nil, ErrMalformed{Reason: "scope"}
	}

	words, ok := splitWords(wordsBlob)
	if !ok {
		return nil, ErrMalformed{Reason: "nul-layout"}
	}

	tsMillis := int64(binary.LittleEndian.Uint64(tsBytes))
	age := time.Since(time.UnixMilli(tsMillis))
	if age < 0 {
		age = -age
	}
	if age > f.SkewWindow {
		return nil, ErrStaleMessage
	}
	if f.NarrowWindow > 0 && age > f.NarrowWindow {
		obs.L().Warnw("control: message timestamp outside narrow window", "age", age)
	}

	var mac [HMACLen]byte
	copy(mac[:], macBytes)
	expected := f.computeHMAC(sid, raw[:len(raw)-HMACLen])
	if sid != "" {
		if _, ok := f.Secrets.Get(sid); !ok || !hmac.Equal(expected[:], mac[:]) {
			return nil, ErrAuthFailed
		}
	}
	// sid == "": the sender never signed; accept only if the received
	// HMAC is also all zeros, otherwise something is tampering.
	if sid == "" && !bytes.Equal(mac[:], make([]byte, HMACLen)) {
		return nil, ErrAuthFailed
	}

	return words, nil
}

// splitNUL splits buf on the first n NUL bytes, returning n+1 pieces
// where the last piece is everything remaining (the words blob).
func splitNUL(buf []byte, n int) ([]string, bool) {
	out := make([]string, 0, n+1)
	start := 0
	for i := 0; i < n; i++ {
		idx := bytes.IndexByte(buf[start:], 0)
		if idx < 0 {
			return nil, false
		}
		out = append(out, string(buf[start:start+idx]))
		start += idx + 1
	}
	out = append(out, string(buf[start:]))
	return out, true
}

// splitWords splits a NUL-terminated sequence of words; every word
// must be NUL-terminated, including the last.
func splitWords(blob string) ([]string, bool) {
	if len(blob) == 0 {
		return nil, true
	}
	if blob[len(blob)-1] != 0 {
		return nil, false
	}
	parts := bytes.Split([]byte(blob[:len(blob)-1]), []byte{0})
	words := make([]string, len(parts))
	for i, p := range parts {
		words[i] = string(p)
	}
	return words, true
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
