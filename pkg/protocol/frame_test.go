package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		maxSize uint32
		wantErr error
	}{
		{
			name:    "empty payload",
			payload: []byte{},
		},
		{
			name:    "json envelope",
			payload: []byte(`{"type":"login","username":"alice"}`),
			maxSize: DefaultMaxFrameSize,
		},
		{
			name:    "binary payload",
			payload: []byte{0x89, 'P', 'N', 'G', 0x00, 0xFF},
			maxSize: 16,
		},
		{
			name:    "exactly max size",
			payload: make([]byte, 64),
			maxSize: 64,
		},
		{
			name:    "one byte over max size",
			payload: make([]byte, 65),
			maxSize: 64,
			wantErr: ErrFrameTooLarge,
		},
		{
			name:    "no limit",
			payload: make([]byte, 4096),
			maxSize: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, WriteFrame(buf, tt.payload))
			assert.Equal(t, FrameHeaderSize+len(tt.payload), buf.Len())

			decoded, err := ReadFrame(buf, tt.maxSize)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.payload, decoded)
		})
	}
}

func TestEncodeFrameLayout(t *testing.T) {
	encoded, err := EncodeFrame([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x02, 'h', 'i'}, encoded)
}

func TestReadFrameErrors(t *testing.T) {
	t.Run("empty stream is end of stream", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(nil), 0)
		assert.Equal(t, io.EOF, err)
	})

	t.Run("partial length prefix", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x00}), 0)
		assert.ErrorIs(t, err, ErrTruncatedFrame)
	})

	t.Run("partial payload", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x05, 'a', 'b'}), 0)
		assert.ErrorIs(t, err, ErrTruncatedFrame)
	})

	t.Run("length with no payload", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x01}), 0)
		assert.ErrorIs(t, err, ErrTruncatedFrame)
	})

	t.Run("oversized frame rejected before payload", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, 1<<30))

		_, err := ReadFrame(buf, DefaultMaxFrameSize)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("reader error passes through", func(t *testing.T) {
		boom := errors.New("connection reset")
		_, err := ReadFrame(&failingReader{err: boom}, 0)
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrTruncatedFrame)
	})
}

func TestReadFrameSequence(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteFrame(buf, []byte(`{"type":"sticker"}`)))
	require.NoError(t, WriteFrame(buf, []byte{1, 2, 3}))

	header, err := ReadFrame(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"sticker"}`, string(header))

	binary, err := ReadFrame(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, binary)

	_, err = ReadFrame(buf, 0)
	assert.Equal(t, io.EOF, err)
}

func TestWriteFrameErrors(t *testing.T) {
	t.Run("writer error", func(t *testing.T) {
		boom := errors.New("broken pipe")
		err := WriteFrame(&failingWriter{err: boom}, []byte("x"))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("short write", func(t *testing.T) {
		err := WriteFrame(&shortWriter{}, []byte("hello"))
		assert.ErrorIs(t, err, io.ErrShortWrite)
	})
}

type failingReader struct{ err error }

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }

type failingWriter struct{ err error }

func (w *failingWriter) Write([]byte) (int, error) { return 0, w.err }

type shortWriter struct{}

func (w *shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }
