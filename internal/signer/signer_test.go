package signer

import (
	"testing"
	"time"

	"github.com/bitcoinbank/perpengine/internal/clock"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s, err := Generate(clk)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return s
}

func TestSignProducesVerifiableEvent(t *testing.T) {
	t.Parallel()
	s := newTestSigner(t)

	ev, err := s.Sign(30054, [][]string{{"d", "BTCUSD"}}, `{"index":"50000"}`)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if ev.Pubkey != s.Pubkey() {
		t.Errorf("event pubkey = %s, want %s", ev.Pubkey, s.Pubkey())
	}
	if err := VerifySignature(ev); err != nil {
		t.Errorf("VerifySignature: %v", err)
	}
}

func TestVerifySignatureRejectsTamperedContent(t *testing.T) {
	t.Parallel()
	s := newTestSigner(t)

	ev, err := s.Sign(1050, nil, "original")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ev.Content = "tampered"

	if err := VerifySignature(ev); err == nil {
		t.Error("expected VerifySignature to reject tampered content, got nil error")
	}
}

func TestVerifySignatureRejectsWrongPubkey(t *testing.T) {
	t.Parallel()
	s := newTestSigner(t)
	other := newTestSigner(t)

	ev, err := s.Sign(1050, nil, "hello")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ev.Pubkey = other.Pubkey()

	if err := VerifySignature(ev); err == nil {
		t.Error("expected VerifySignature to reject mismatched pubkey, got nil error")
	}
}

func TestEventIDDeterministic(t *testing.T) {
	t.Parallel()
	s := newTestSigner(t)

	ev1, err := s.Sign(30051, [][]string{{"d", "order-1"}}, "content")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	id, err := eventID(ev1.Pubkey, ev1.CreatedAt, ev1.Kind, ev1.Tags, ev1.Content)
	if err != nil {
		t.Fatalf("eventID: %v", err)
	}
	if id != ev1.ID {
		t.Errorf("eventID() = %s, want %s", id, ev1.ID)
	}
}
