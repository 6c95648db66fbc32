package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var batchMagic = []byte{0x52, 0x42, 0x31} // "RB1"

var errCorruptBatch = errors.New("corrupt batch encoding")

// encodeBatch frames docs as magic | uvarint count | (uvarint len | doc)*.
func encodeBatch(docs [][]byte) []byte {
	size := len(batchMagic) + binary.MaxVarintLen64
	for _, d := range docs {
		size += binary.MaxVarintLen64 + len(d)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, batchMagic...)
	buf = binary.AppendUvarint(buf, uint64(len(docs)))
	for _, d := range docs {
		buf = binary.AppendUvarint(buf, uint64(len(d)))
		buf = append(buf, d...)
	}
	return buf
}

// decodeBatch returns docs that alias data.
func decodeBatch(data []byte) ([][]byte, error) {
	if len(data) < len(batchMagic) || string(data[:len(batchMagic)]) != string(batchMagic) {
		return nil, fmt.Errorf("%w: bad magic", errCorruptBatch)
	}
	p := data[len(batchMagic):]
	n, k := binary.Uvarint(p)
	if k <= 0 {
		return nil, fmt.Errorf("%w: bad count", errCorruptBatch)
	}
	p = p[k:]
	if n > uint64(len(p)) {
		return nil, fmt.Errorf("%w: count %d exceeds payload", errCorruptBatch, n)
	}
	docs := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		l, k := binary.Uvarint(p)
		if k <= 0 || l > uint64(len(p)-k) {
			return nil, fmt.Errorf("%w: doc %d", errCorruptBatch, i)
		}
		p = p[k:]
		docs = append(docs, p[:l:l])
		p = p[l:]
	}
	if len(p) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", errCorruptBatch, len(p))
	}
	return docs, nil
}
