package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/freightdesk/freightdesk/internal/db/models"
)

const (
	chainKeyInfo     = "freightdesk audit chain v1"
	signingKeyInfo   = "freightdesk audit webhook signature v1"
	derivedKeyLength = 32
)

// DeriveKey derives a 32-byte purpose-bound key from the configured chain
// secret.
func DeriveKey(secret, info string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("audit chain secret is empty")
	}
	key := make([]byte, derivedKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive audit key: %w", err)
	}
	return key, nil
}

// Chain seals audit rows into a keyed hash chain:
//
//	entry_hash = BLAKE3-keyed(key, prev_hash || CBOR(entry))
//
// where CBOR uses core deterministic encoding so the same row always encodes
// to the same bytes.
type Chain struct {
	key []byte
	enc cbor.EncMode
}

// NewChain derives the chain key from secret.
func NewChain(secret string) (*Chain, error) {
	key, err := DeriveKey(secret, chainKeyInfo)
	if err != nil {
		return nil, err
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build CBOR encoder: %w", err)
	}
	return &Chain{key: key, enc: enc}, nil
}

// sealedEntry is the hashed projection of an audit row. Seq is excluded
// because it is assigned by the database after sealing.
type sealedEntry struct {
	ID             string  `cbor:"1,keyasint"`
	OrganizationID string  `cbor:"2,keyasint"`
	ActorUserID    *string `cbor:"3,keyasint,omitempty"`
	Action         string  `cbor:"4,keyasint"`
	EntityType     string  `cbor:"5,keyasint"`
	EntityID       *string `cbor:"6,keyasint,omitempty"`
	Metadata       any     `cbor:"7,keyasint,omitempty"`
	IPAddress      *string `cbor:"8,keyasint,omitempty"`
	CreatedAt      int64   `cbor:"9,keyasint"`
}

// Seal returns the entry hash of log linked to prev. It has the shape of
// repositories.SealFunc.
func (c *Chain) Seal(prev []byte, log *models.AuditLog) ([]byte, error) {
	meta, err := normalizeMetadata(log.Metadata)
	if err != nil {
		return nil, err
	}
	encoded, err := c.enc.Marshal(sealedEntry{
		ID:             log.ID,
		OrganizationID: log.OrganizationID,
		ActorUserID:    log.ActorUserID,
		Action:         string(log.Action),
		EntityType:     log.EntityType,
		EntityID:       log.EntityID,
		Metadata:       meta,
		IPAddress:      log.IPAddress,
		CreatedAt:      log.CreatedAt.UnixMicro(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit entry: %w", err)
	}

	h, err := blake3.NewKeyed(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyed hasher: %w", err)
	}
	_, _ = h.Write(prev)
	_, _ = h.Write(encoded)
	return h.Sum(nil), nil
}

// normalizeMetadata passes metadata through JSON so a freshly recorded map
// and the same map read back from JSONB hash identically.
func normalizeMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit metadata: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize audit metadata: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// BreakError reports the first row whose hashes do not match the chain.
type BreakError struct {
	Seq    int64
	ID     string
	Reason string
}

func (e *BreakError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d (%s): %s", e.Seq, e.ID, e.Reason)
}

// VerifyChain re-derives the hashes of entries, which must be consecutive
// rows of one organization in seq order. prev is the entry hash of the row
// before entries[0], or nil when entries starts the chain. It returns the
// hash of the last verified row so long chains can be checked page by page,
// and a *BreakError at the first mismatch.
func (c *Chain) VerifyChain(prev []byte, entries []*models.AuditLog) ([]byte, error) {
	for _, e := range entries {
		if !bytes.Equal(e.PrevHash, prev) {
			return prev, &BreakError{Seq: e.Seq, ID: e.ID, Reason: "prev_hash does not link to the preceding entry"}
		}
		want, err := c.Seal(prev, e)
		if err != nil {
			return prev, err
		}
		if !bytes.Equal(e.EntryHash, want) {
			return prev, &BreakError{Seq: e.Seq, ID: e.ID, Reason: "entry_hash does not match entry contents"}
		}
		prev = e.EntryHash
	}
	return prev, nil
}
