package settle

import (
	"io"
	"sync"
)

// timedReadCloser wraps a response body and calls doneFn once, when the caller finishes
// reading (EOF or a read error) or closes the stream, whichever happens first.
type timedReadCloser struct {
	rc     io.ReadCloser
	doneFn func()
	once   sync.Once
}

// Read reads from the underlying body and signals completion at EOF or on error.
func (t *timedReadCloser) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if err != nil {
		t.once.Do(t.doneFn)
	}
	return n, err
}

// Close closes the underlying body and signals completion if not already done.
func (t *timedReadCloser) Close() error {
	t.once.Do(t.doneFn)
	return t.rc.Close()
}
