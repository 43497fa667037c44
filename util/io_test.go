package util

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCopyContext(t *testing.T) {
	ctx := context.Background()
	src := strings.Repeat("a", 100_000)

	var dst bytes.Buffer
	n, err := CopyContext(ctx, &dst, strings.NewReader(src), nil)
	assert.NoErrorf(t, err, "CopyContext() error = %v", err)
	assert.EqualValues(t, len(src), n)
	assert.Equal(t, src, dst.String())
}

func TestCopyContext_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dst bytes.Buffer
	_, err := CopyContext(ctx, &dst, strings.NewReader(strings.Repeat("a", DefaultBufferSize*4)), nil)
	assert.ErrorIs(t, err, context.Canceled)
	// the copy stops at the first write boundary after cancellation.
	assert.EqualValues(t, DefaultBufferSize, dst.Len())
}

func TestCountingWriter(t *testing.T) {
	var dst bytes.Buffer
	w := &CountingWriter{W: &dst}
	_, err := w.Write([]byte("hello"))
	assert.NoError(t, err)
	_, err = w.Write([]byte(" world"))
	assert.NoError(t, err)
	assert.EqualValues(t, 11, w.N)
	assert.Equal(t, "hello world", dst.String())
}
