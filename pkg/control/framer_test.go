package control

import (
	"testing"
	"time"

	"github.com/ryandielhenn/distcache/internal/secret"
)

func newFramer(t *testing.T, scope string) *Framer {
	t.Helper()
	return &Framer{
		Scope:      scope,
		Secrets:    secret.New(""),
		SkewWindow: 30 * time.Second,
	}
}

func TestRoundTripNoSecret(t *testing.T) {
	f := newFramer(t, "prod")
	words := []string{string(CmdPresent), "http://peer1:8080"}
	buf := f.encode(words, "", nowMillis())

	got, err := f.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 2 || got[0] != words[0] || got[1] != words[1] {
		t.Fatalf("round trip mismatch: got %v, want %v", got, words)
	}
}

func TestRoundTripWithSecret(t *testing.T) {
	st := secret.New("")
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	st.SetForTest("k1", key)

	f := &Framer{Scope: "prod", Secrets: st, SkewWindow: 30 * time.Second}
	words := []string{string(CmdAbsent), "http://peer2:8080"}
	buf := f.encode(words, "k1", nowMillis())

	got, err := f.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got[1] != words[1] {
		t.Fatalf("got %v", got)
	}
}

func TestAuthFailsWithWrongKey(t *testing.T) {
	st := secret.New("")
	st.SetForTest("k1", make([]byte, 32))
	f := &Framer{Scope: "prod", Secrets: st, SkewWindow: 30 * time.Second}
	buf := f.encode([]string{string(CmdPresent), "u"}, "k1", nowMillis())

	st2 := secret.New("")
	wrong := make([]byte, 32)
	wrong[0] = 1
	st2.SetForTest("k1", wrong)
	f2 := &Framer{Scope: "prod", Secrets: st2, SkewWindow: 30 * time.Second}

	_, err := f2.Decode(buf)
	if err != ErrAuthFailed {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}
}

func TestScopeMismatchRejected(t *testing.T) {
	f1 := newFramer(t, "prod")
	buf := f1.encode([]string{string(CmdPresent), "u"}, "", nowMillis())

	f2 := newFramer(t, "staging")
	_, err := f2.Decode(buf)
	if m, ok := err.(ErrMalformed); !ok || m.Reason != "scope" {
		t.Fatalf("got %v, want scope mismatch", err)
	}
}

func TestVersionMismatchRejected(t *testing.T) {
	f := newFramer(t, "prod")
	buf := f.encode([]string{string(CmdPresent), "u"}, "", nowMillis())
	buf[0] = '3'

	_, err := f.Decode(buf)
	if m, ok := err.(ErrMalformed); !ok || m.Reason != "version" {
		t.Fatalf("got %v, want version mismatch", err)
	}
}

func TestReplayRejectedOutsideSkew(t *testing.T) {
	f := newFramer(t, "prod")
	old := time.Now().Add(-2 * time.Minute).UnixMilli()
	buf := f.encode([]string{string(CmdPresent), "u"}, "", old)

	_, err := f.Decode(buf)
	if err != ErrStaleMessage {
		t.Fatalf("got %v, want ErrStaleMessage", err)
	}
}

func TestMessageTooLarge(t *testing.T) {
	f := newFramer(t, "prod")
	huge := make([]byte, 600)
	for i := range huge {
		huge[i] = 'x'
	}
	buf := f.encode([]string{string(CmdPresent), string(huge)}, "", nowMillis())
	if len(buf) <= MaxMessageSize {
		t.Fatalf("test setup: expected oversized buffer")
	}

	err := f.Send(nil, nil, []string{string(CmdPresent), string(huge)}, "")
	if _, ok := err.(ErrMessageTooLarge); !ok {
		t.Fatalf("got %v, want ErrMessageTooLarge", err)
	}
}

func TestTruncatedMessageRejected(t *testing.T) {
	f := newFramer(t, "prod")
	buf := f.encode([]string{string(CmdPresent), "u"}, "", nowMillis())
	_, err := f.Decode(buf[:5])
	if _, ok := err.(ErrMalformed); !ok {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}
