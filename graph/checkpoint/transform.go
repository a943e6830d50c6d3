package checkpoint

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/chacha20poly1305"
)

// Compression selects the payload compression.
type Compression uint8

// Supported compressions.
const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression accepts "none", "lz4" and "zstd".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return 0, fmt.Errorf("unknown checkpoint compression %q", s)
}

// Encryption selects the payload encryption.
type Encryption uint8

// Supported encryptions.
const (
	EncryptionNone             Encryption = 0
	EncryptionChaCha20Poly1305 Encryption = 1
)

func (e Encryption) String() string {
	switch e {
	case EncryptionNone:
		return "none"
	case EncryptionChaCha20Poly1305:
		return "chacha20poly1305"
	}
	return fmt.Sprintf("encryption(%d)", uint8(e))
}

// KeySize is the required encryption key length in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrKeyRequired is returned when decrypting without a key.
var ErrKeyRequired = errors.New("checkpoint is encrypted but no key is configured")

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("zstd init: %w", err)
		}
		return enc.EncodeAll(data, nil), nil
	}
	return nil, fmt.Errorf("unsupported compression %s", c)
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
		}
		return out, nil
	case CompressionZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("zstd init: %w", err)
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported compression %s", ErrCorrupt, c)
}

// encrypt seals data with a random nonce; the header is authenticated as
// additional data. Output is nonce || ciphertext.
func encrypt(data, key, header []byte, e Encryption) ([]byte, error) {
	switch e {
	case EncryptionNone:
		return data, nil
	case EncryptionChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
		return aead.Seal(nonce, nonce, data, header), nil
	}
	return nil, fmt.Errorf("unsupported encryption %s", e)
}

func decrypt(data, key, header []byte, e Encryption) ([]byte, error) {
	switch e {
	case EncryptionNone:
		return data, nil
	case EncryptionChaCha20Poly1305:
		if len(key) == 0 {
			return nil, ErrKeyRequired
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
		if len(data) < aead.NonceSize() {
			return nil, fmt.Errorf("%w: ciphertext too short", ErrCorrupt)
		}
		nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
		out, err := aead.Open(nil, nonce, sealed, header)
		if err != nil {
			return nil, fmt.Errorf("%w: decryption failed: %v", ErrCorrupt, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported encryption %s", ErrCorrupt, e)
}
