// Package workload shapes the write batches issued during a load burst.
//
// A Batch is built once per evaluation and shared read-only by every
// worker, so producing load never contends on workload state.
package workload

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	DefaultBatchSize = 250
	DefaultDocSize   = 512

	// minDocSize is the encoded size of a document with an empty pad field.
	minDocSize = len(`{"fieldName":""}`)
)

// Batch is an immutable set of encoded documents written with one call.
type Batch struct {
	docs [][]byte
	size int
}

// Docs returns the encoded documents. Callers must not modify them.
func (b Batch) Docs() [][]byte { return b.docs }

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.docs) }

// Bytes returns the total encoded payload size.
func (b Batch) Bytes() int { return b.size }

// NewBatch builds a batch of batchSize copies of one document padded to
// docSize encoded bytes.
func NewBatch(batchSize, docSize int) (Batch, error) {
	if batchSize <= 0 {
		return Batch{}, fmt.Errorf("batch size must be > 0, got %d", batchSize)
	}
	doc, err := MakeDocument(docSize)
	if err != nil {
		return Batch{}, err
	}
	docs := make([][]byte, batchSize)
	for i := range docs {
		docs[i] = doc
	}
	return Batch{docs: docs, size: batchSize * len(doc)}, nil
}

// FromDocs wraps pre-encoded documents, e.g. ones decoded from a request.
func FromDocs(docs [][]byte) Batch {
	size := 0
	for _, d := range docs {
		size += len(d)
	}
	return Batch{docs: docs, size: size}
}

// MakeDocument returns a JSON object whose encoding is exactly docSize bytes.
func MakeDocument(docSize int) ([]byte, error) {
	if docSize < minDocSize {
		return nil, fmt.Errorf("document size must be >= %d bytes, got %d", minDocSize, docSize)
	}
	doc, err := json.Marshal(map[string]string{
		"fieldName": strings.Repeat("x", docSize-minDocSize),
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}
