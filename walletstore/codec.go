package walletstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/snacl"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/lightningnetwork/lnd/tlv"
)

// keysFileMagic prefixes every keys file.
var keysFileMagic = [4]byte{'h', 'd', 'w', 'k'}

// keysFileVersion is the current version of the keys file encoding.
const keysFileVersion = 1

// errMalformed is returned for structurally invalid files. Callers map it to
// wallet.ErrWrongPassword.
var errMalformed = errors.New("malformed wallet file")

// Header record types. The header is stored in the clear and carries what is
// needed to turn the password into the public crypto key.
const (
	typeMasterKeyParams tlv.Type = 0
	typeEncPubKey       tlv.Type = 2
	typeEncPrivKey      tlv.Type = 4
	typeSealedBody      tlv.Type = 6
)

// Body record types. The body is sealed with the public crypto key.
const (
	typeID            tlv.Type = 0
	typeNetwork       tlv.Type = 2
	typeAccountXPub   tlv.Type = 4
	typeEncAccountKey tlv.Type = 6
	typeKeyCount      tlv.Type = 8
	typeVersion       tlv.Type = 10
	typeName          tlv.Type = 12
	typeDescription   tlv.Type = 14
	typeCreatedAt     tlv.Type = 16
	typeSyncHeight    tlv.Type = 18
	typeSyncHash      tlv.Type = 20
)

// History record types.
const (
	typeRawTx     tlv.Type = 0
	typeHeight    tlv.Type = 2
	typeBlockHash tlv.Type = 4
	typeReceived  tlv.Type = 6
	typeOutgoing  tlv.Type = 8
)

// keysHeader is the clear text part of the keys file.
type keysHeader struct {
	masterKeyParams []byte
	encPubKey       []byte
	encPrivKey      []byte
	sealedBody      []byte
}

func (h *keysHeader) records() []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(typeMasterKeyParams, &h.masterKeyParams),
		tlv.MakePrimitiveRecord(typeEncPubKey, &h.encPubKey),
		tlv.MakePrimitiveRecord(typeEncPrivKey, &h.encPrivKey),
		tlv.MakePrimitiveRecord(typeSealedBody, &h.sealedBody),
	}
}

// encodeKeysFile serializes the wallet state sealed with the public crypto
// key.
func encodeKeysFile(st *wallet.State, pubKey *snacl.CryptoKey) ([]byte,
	error) {

	body, err := encodeBody(st)
	if err != nil {
		return nil, err
	}

	sealed, err := pubKey.Encrypt(body)
	if err != nil {
		return nil, err
	}

	h := &keysHeader{
		masterKeyParams: st.Secret.MasterKeyParams,
		encPubKey:       st.Secret.EncPubCryptoKey,
		encPrivKey:      st.Secret.EncPrivCryptoKey,
		sealedBody:      sealed,
	}
	stream, err := tlv.NewStream(h.records()...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.Write(keysFileMagic[:])
	b.WriteByte(keysFileVersion)
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeKeysHeader parses the clear text part of a keys file.
func decodeKeysHeader(raw []byte) (*keysHeader, error) {
	if len(raw) < len(keysFileMagic)+1 ||
		!bytes.Equal(raw[:len(keysFileMagic)], keysFileMagic[:]) ||
		raw[len(keysFileMagic)] != keysFileVersion {

		return nil, errMalformed
	}

	h := &keysHeader{}
	stream, err := tlv.NewStream(h.records()...)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(raw[len(keysFileMagic)+1:])
	if err := stream.Decode(r); err != nil {
		return nil, errMalformed
	}

	return h, nil
}

// openBody decrypts and parses the sealed body of a keys file.
func openBody(h *keysHeader, pubKey *snacl.CryptoKey) (*wallet.State,
	error) {

	body, err := pubKey.Decrypt(h.sealedBody)
	if err != nil {
		return nil, errMalformed
	}

	st, err := decodeBody(bytes.NewReader(body))
	if err != nil {
		return nil, errMalformed
	}

	st.Secret.MasterKeyParams = h.masterKeyParams
	st.Secret.EncPubCryptoKey = h.encPubKey
	st.Secret.EncPrivCryptoKey = h.encPrivKey

	return st, nil
}

// body mirrors the sealed fields of wallet.State in wire friendly types.
type body struct {
	id          []byte
	network     []byte
	accountXPub []byte
	encAccount  []byte
	keyCount    uint32
	version     uint64
	name        []byte
	description []byte
	createdAt   uint64
	syncHeight  uint32
	syncHash    [32]byte
}

func (b *body) records() []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(typeID, &b.id),
		tlv.MakePrimitiveRecord(typeNetwork, &b.network),
		tlv.MakePrimitiveRecord(typeAccountXPub, &b.accountXPub),
		tlv.MakePrimitiveRecord(typeEncAccountKey, &b.encAccount),
		tlv.MakePrimitiveRecord(typeKeyCount, &b.keyCount),
		tlv.MakePrimitiveRecord(typeVersion, &b.version),
		tlv.MakePrimitiveRecord(typeName, &b.name),
		tlv.MakePrimitiveRecord(typeDescription, &b.description),
		tlv.MakePrimitiveRecord(typeCreatedAt, &b.createdAt),
		tlv.MakePrimitiveRecord(typeSyncHeight, &b.syncHeight),
		tlv.MakePrimitiveRecord(typeSyncHash, &b.syncHash),
	}
}

func encodeBody(st *wallet.State) ([]byte, error) {
	b := &body{
		id:          []byte(st.ID),
		network:     []byte(st.Network),
		accountXPub: []byte(st.AccountXPub),
		encAccount:  st.Secret.EncAccountPrivKey,
		keyCount:    st.KeyCount,
		version:     st.Version,
		name:        []byte(st.Details.Name),
		description: []byte(st.Details.Description),
		createdAt:   encodeTime(st.Details.CreatedAt),
		syncHeight:  uint32(st.SyncHeight),
		syncHash:    st.SyncHash,
	}

	stream, err := tlv.NewStream(b.records()...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeBody(r io.Reader) (*wallet.State, error) {
	b := &body{}
	stream, err := tlv.NewStream(b.records()...)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	return &wallet.State{
		ID:          wallet.ID(b.id),
		Network:     string(b.network),
		AccountXPub: string(b.accountXPub),
		Secret: wallet.Secret{
			EncAccountPrivKey: b.encAccount,
		},
		Details: wallet.Details{
			Name:        string(b.name),
			Description: string(b.description),
			CreatedAt:   decodeTime(b.createdAt),
		},
		Version:    b.version,
		KeyCount:   b.keyCount,
		SyncHeight: int32(b.syncHeight),
		SyncHash:   chainhash.Hash(b.syncHash),
	}, nil
}

// txRecord mirrors wallet.TxRecord in wire friendly types.
type txRecord struct {
	rawTx     []byte
	height    uint32
	blockHash [32]byte
	received  uint64
	outgoing  uint8
}

func (t *txRecord) records() []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(typeRawTx, &t.rawTx),
		tlv.MakePrimitiveRecord(typeHeight, &t.height),
		tlv.MakePrimitiveRecord(typeBlockHash, &t.blockHash),
		tlv.MakePrimitiveRecord(typeReceived, &t.received),
		tlv.MakePrimitiveRecord(typeOutgoing, &t.outgoing),
	}
}

func encodeTxRecord(rec *wallet.TxRecord) ([]byte, error) {
	var rawTx bytes.Buffer
	if err := rec.Tx.Serialize(&rawTx); err != nil {
		return nil, err
	}

	t := &txRecord{
		rawTx:     rawTx.Bytes(),
		height:    uint32(rec.Height),
		blockHash: rec.BlockHash,
		received:  encodeTime(rec.Received),
	}
	if rec.Outgoing {
		t.outgoing = 1
	}

	stream, err := tlv.NewStream(t.records()...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeTxRecord(raw []byte) (*wallet.TxRecord, error) {
	t := &txRecord{}
	stream, err := tlv.NewStream(t.records()...)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(t.rawTx)); err != nil {
		return nil, fmt.Errorf("unable to decode tx: %w", err)
	}

	return &wallet.TxRecord{
		Tx:        tx,
		Hash:      tx.TxHash(),
		Height:    int32(t.height),
		BlockHash: chainhash.Hash(t.blockHash),
		Received:  decodeTime(t.received),
		Outgoing:  t.outgoing == 1,
	}, nil
}

// encodeTime stores a timestamp as unix nanoseconds, zero for the zero time.
func encodeTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}

	return uint64(t.UnixNano())
}

func decodeTime(ns uint64) time.Time {
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, int64(ns))
}
