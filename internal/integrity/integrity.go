// Package integrity provides tamper-evident hashing for the decision audit
// trail: each record's hash covers its canonical fields and the previous
// record's hash within the same trace, and a trace can be summarized by a
// Merkle root. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/shikumi/internal/model"
)

const hashPrefix = "v1:"

// RecordHash returns the chained hash of rec given the previous record's
// hash in the same trace ("" for the first record). Every field is written
// with a 4-byte big-endian length prefix so free text cannot collide across
// field boundaries.
func RecordHash(prevHash string, rec model.DecisionRecord) (string, error) {
	meta, err := json.Marshal(rec.Metadata) // map keys marshal in sorted order
	if err != nil {
		return "", fmt.Errorf("integrity: encode metadata: %w", err)
	}

	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // record fields are bounded by request limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(prevHash)
	writeField(rec.ID.String())
	writeField(strconv.FormatInt(rec.Sequence, 10))
	writeField(rec.Timestamp.UTC().Format(time.RFC3339Nano))
	writeField(rec.TraceID)
	writeField(string(rec.DecisionType))
	writeField(rec.Target)
	writeField(rec.Reason)
	writeField(strconv.Itoa(len(rec.Alternatives)))
	for _, a := range rec.Alternatives {
		writeField(a)
	}
	writeField(string(meta))
	return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// ChainBreak describes the first record whose hash does not verify.
type ChainBreak struct {
	Sequence int64
	Reason   string
}

func (b *ChainBreak) Error() string {
	return fmt.Sprintf("integrity: chain broken at sequence %d: %s", b.Sequence, b.Reason)
}

// VerifyChain checks that records (in write order, one trace) link and hash
// correctly. It returns the Merkle root of their hashes on success.
func VerifyChain(records []model.DecisionRecord) (string, error) {
	prev := ""
	leaves := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.PrevHash != prev {
			return "", &ChainBreak{Sequence: rec.Sequence, Reason: "prev_hash does not match preceding record"}
		}
		want, err := RecordHash(prev, rec)
		if err != nil {
			return "", err
		}
		if !strings.EqualFold(want, rec.Hash) {
			return "", &ChainBreak{Sequence: rec.Sequence, Reason: "content hash mismatch"}
		}
		leaves = append(leaves, rec.Hash)
		prev = rec.Hash
	}
	return BuildMerkleRoot(leaves), nil
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix separates internal nodes from leaves (RFC 6962).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes in the given
// order and returns the root. Empty input yields "", a single leaf is its own
// root, and an odd node at any level is paired with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}
