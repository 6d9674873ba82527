package shortid

import (
	"errors"
	"testing"

	"reproserver/internal/domain"
)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New("test-salt")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newCodec(t)
	for _, kind := range []string{KindUpload, KindRun} {
		for _, id := range []int64{0, 1, 2, 42, 1 << 20, 1<<40 + 7} {
			tok, err := c.Encode(kind, id)
			if err != nil {
				t.Fatalf("encode %s/%d: %v", kind, id, err)
			}
			got, err := c.Decode(kind, tok)
			if err != nil {
				t.Fatalf("decode %s/%s: %v", kind, tok, err)
			}
			if got != id {
				t.Fatalf("round trip %s: expected %d, got %d", kind, id, got)
			}
		}
	}
}

func TestWrongKindIsInvalid(t *testing.T) {
	c := newCodec(t)
	for id := int64(1); id < 200; id++ {
		tok, err := c.Encode(KindUpload, id)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Decode(KindRun, tok); !errors.Is(err, domain.ErrInvalidToken) {
			t.Fatalf("upload token %s decoded as run: %v", tok, err)
		}
	}
}

func TestSameIDDiffersAcrossKinds(t *testing.T) {
	c := newCodec(t)
	up, _ := c.Encode(KindUpload, 7)
	run, _ := c.Encode(KindRun, 7)
	if up == run {
		t.Fatalf("tokens for different kinds must differ, both %s", up)
	}
}

func TestSaltChangesTokens(t *testing.T) {
	a := newCodec(t)
	b, err := New("other-salt")
	if err != nil {
		t.Fatal(err)
	}
	tok, _ := a.Encode(KindRun, 9)
	if _, err := b.Decode(KindRun, tok); err == nil {
		t.Fatalf("token from another salt should not decode")
	}
}

func TestMalformed(t *testing.T) {
	c := newCodec(t)
	for _, tok := range []string{"", "!!!", "a"} {
		if _, err := c.Decode(KindUpload, tok); !errors.Is(err, domain.ErrInvalidToken) {
			t.Fatalf("%q: expected ErrInvalidToken, got %v", tok, err)
		}
	}
}

func TestFailsClosedWithoutSalt(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrNoSalt) {
		t.Fatalf("expected ErrNoSalt, got %v", err)
	}
	var c *Codec
	if _, err := c.Encode(KindRun, 1); !errors.Is(err, ErrNoSalt) {
		t.Fatalf("nil codec must fail closed, got %v", err)
	}
}
