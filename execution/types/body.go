package types

import (
	"fmt"
	"io"

	"github.com/AndreaLanfranchi/silkworm/execution/rlp"
)

// BodyForStorage is the stub persisted in the block bodies table: the
// transaction payloads themselves live in the transactions table as
// TxnCount consecutive entries starting at BaseTxnID.
type BodyForStorage struct {
	BaseTxnID uint64
	TxnCount  uint64
}

func (b *BodyForStorage) payloadSize() int {
	payloadSize := 1 + rlp.IntLenExcludingHead(b.BaseTxnID)
	payloadSize += 1 + rlp.IntLenExcludingHead(b.TxnCount)
	return payloadSize
}

func (b *BodyForStorage) EncodeRLP(w io.Writer) error {
	var buf [9]byte
	if err := rlp.EncodeStructSizePrefix(b.payloadSize(), w, buf[:]); err != nil {
		return err
	}
	if err := rlp.EncodeInt(b.BaseTxnID, w, buf[:]); err != nil {
		return err
	}
	return rlp.EncodeInt(b.TxnCount, w, buf[:])
}

func (b *BodyForStorage) DecodeRLP(payload []byte) error {
	p, dataLen, err := rlp.List(payload, 0)
	if err != nil {
		return fmt.Errorf("body stub must be a list: %w", err)
	}
	if p+dataLen != len(payload) {
		return fmt.Errorf("%w: trailing bytes after body stub", rlp.ErrParse)
	}
	if p, b.BaseTxnID, err = rlp.U64(payload, p); err != nil {
		return fmt.Errorf("read BaseTxnID: %w", err)
	}
	if p, b.TxnCount, err = rlp.U64(payload, p); err != nil {
		return fmt.Errorf("read TxnCount: %w", err)
	}
	if p != len(payload) {
		return fmt.Errorf("%w: trailing bytes inside body stub", rlp.ErrParse)
	}
	return nil
}
