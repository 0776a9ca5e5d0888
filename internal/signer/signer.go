// Package signer produces and verifies NIP-01 signed events.
//
// An event's id is the SHA-256 of the canonical JSON array
// [0, pubkey, created_at, kind, tags, content] serialized with compact
// separators; the sig is a BIP-340 Schnorr signature over that id.
package signer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/bitcoinbank/perpengine/internal/clock"
)

// Event is a NIP-01 signed event.
type Event struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Signer holds a Schnorr keypair and produces signed events on its behalf.
type Signer struct {
	priv   *btcec.PrivateKey
	pubHex string
	clock  clock.Clock
}

// New builds a Signer from a 32-byte hex-encoded private key.
func New(privateKeyHex string, clk clock.Clock) (*Signer, error) {
	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	priv, pub := btcec.PrivKeyFromBytes(raw)
	return &Signer{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(pub)),
		clock:  clk,
	}, nil
}

// Generate creates a Signer from a freshly generated private key, for tests
// and for bootstrapping a bank identity when none is configured.
func Generate(clk clock.Clock) (*Signer, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Signer{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		clock:  clk,
	}, nil
}

// Pubkey returns the signer's 32-byte hex-encoded x-only pubkey.
func (s *Signer) Pubkey() string { return s.pubHex }

// Sign builds and signs an event of the given kind, tags, and content.
func (s *Signer) Sign(kind int, tags [][]string, content string) (*Event, error) {
	if tags == nil {
		tags = [][]string{}
	}
	createdAt := s.clock.Now().Unix()

	id, err := eventID(s.pubHex, createdAt, kind, tags, content)
	if err != nil {
		return nil, err
	}

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("decode event id: %w", err)
	}

	sig, err := schnorr.Sign(s.priv, idBytes, schnorr.WithCustomRand(rand.Reader))
	if err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}

	return &Event{
		ID:        id,
		Pubkey:    s.pubHex,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
		Sig:       hex.EncodeToString(sig.Serialize()),
	}, nil
}

// eventID computes the NIP-01 event id for the given fields.
func eventID(pubkey string, createdAt int64, kind int, tags [][]string, content string) (string, error) {
	if tags == nil {
		tags = [][]string{}
	}
	arr := []interface{}{0, pubkey, createdAt, kind, tags, content}
	raw, err := json.Marshal(arr)
	if err != nil {
		return "", fmt.Errorf("serialize event for id: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifySignature recomputes ev's id and checks its Schnorr signature
// against its claimed pubkey. Returns nil on success.
func VerifySignature(ev *Event) error {
	wantID, err := eventID(ev.Pubkey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content)
	if err != nil {
		return err
	}
	if wantID != ev.ID {
		return fmt.Errorf("event id mismatch: computed %s, got %s", wantID, ev.ID)
	}

	pubBytes, err := hex.DecodeString(ev.Pubkey)
	if err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}

	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return fmt.Errorf("decode id: %w", err)
	}

	if !sig.Verify(idBytes, pub) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
