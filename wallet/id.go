package wallet

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// idBytes is the number of hash bytes a wallet ID is made of.
	idBytes = 20

	// idGroupLen is the number of hex characters per ID group.
	idGroupLen = 8
)

// ErrInvalidID is returned when a string is not a well formed wallet ID.
var ErrInvalidID = errors.New("invalid wallet id")

// ID identifies a wallet and names its directory on disk. It is derived from
// the master public key and cannot be reversed into it.
type ID string

// IDFromPubKey derives the wallet ID of the master public key: the first 20
// bytes of its double SHA256, hex encoded in dash separated groups of eight.
func IDFromPubKey(masterPub *btcec.PublicKey) ID {
	digest := chainhash.DoubleHashB(masterPub.SerializeCompressed())

	return ID(formatID(hex.EncodeToString(digest[:idBytes])))
}

func formatID(raw string) string {
	groups := make([]string, 0, len(raw)/idGroupLen)
	for i := 0; i < len(raw); i += idGroupLen {
		groups = append(groups, raw[i:i+idGroupLen])
	}

	return strings.Join(groups, "-")
}

// ParseID validates the textual form of a wallet ID.
func ParseID(s string) (ID, error) {
	s = strings.ToLower(s)

	raw := strings.ReplaceAll(s, "-", "")
	if len(raw) != idBytes*2 {
		return "", ErrInvalidID
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", ErrInvalidID
	}

	id := ID(formatID(raw))
	if string(id) != s {
		return "", ErrInvalidID
	}

	return id, nil
}

// String returns the ID in its textual form.
func (id ID) String() string {
	return string(id)
}
