// Package container implements the encrypted file container format:
// a fixed 64-byte header (magic, version, classification, flags,
// salt, IV, plaintext length, payload and header checksums) followed
// by PKCS#7-padded AES-256-CBC ciphertext, with keys derived from the
// password via PBKDF2-SHA256. The cipher and KDF come from
// crypto/aes, crypto/cipher, and golang.org/x/crypto/pbkdf2; this is
// not a place for hand-rolled cryptography.
package container

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"sentinalos/internal/defs"
)

const (
	magic       = "SENTINAL"
	headerSize  = 64
	saltSize    = 16
	ivSize      = aes.BlockSize // 16
	keySize     = 32            // AES-256
	pbkdf2Iters = 100000

	flagEncrypted = 1 << 0
)

// Header is the in-memory form of the container's fixed 64-byte
// prefix. PayloadChecksum covers the plaintext, so a wrong password
// or a flipped ciphertext byte surfaces as a checksum failure after
// decryption, not as undetected garbage output.
type Header struct {
	Version        [4]byte
	Classification defs.Level
	Flags          uint8
	Salt           [saltSize]byte
	IV             [ivSize]byte
	PlaintextLen   uint64
	PayloadChecksum uint32
	HeaderChecksum  uint32
}

// marshalBody renders bytes 0..55, everything before the two checksum
// fields, used both to build the on-wire header and to recompute the
// header checksum over that exact range.
func (h *Header) marshalBody() []byte {
	b := make([]byte, 56)
	copy(b[0:8], magic)
	copy(b[8:12], h.Version[:])
	b[12] = byte(h.Classification)
	b[13] = h.Flags
	// bytes 14:16 reserved, left zero
	copy(b[16:32], h.Salt[:])
	copy(b[32:48], h.IV[:])
	binary.LittleEndian.PutUint64(b[48:56], h.PlaintextLen)
	return b
}

func (h *Header) marshal() []byte {
	body := h.marshalBody()
	out := make([]byte, headerSize)
	copy(out, body)
	binary.LittleEndian.PutUint32(out[56:60], h.PayloadChecksum)
	binary.LittleEndian.PutUint32(out[60:64], h.HeaderChecksum)
	return out
}

func unmarshalHeader(b []byte) (*Header, defs.Err_t) {
	if len(b) < headerSize {
		return nil, defs.EINVALID
	}
	if string(b[0:8]) != magic {
		return nil, defs.EINVALID
	}
	h := &Header{}
	copy(h.Version[:], b[8:12])
	h.Classification = defs.Level(b[12])
	h.Flags = b[13]
	copy(h.Salt[:], b[16:32])
	copy(h.IV[:], b[32:48])
	h.PlaintextLen = binary.LittleEndian.Uint64(b[48:56])
	h.PayloadChecksum = binary.LittleEndian.Uint32(b[56:60])
	h.HeaderChecksum = binary.LittleEndian.Uint32(b[60:64])
	if !h.Classification.Valid() {
		return nil, defs.EINVALID
	}
	wantHC := crc32.ChecksumIEEE(b[0:56])
	if wantHC != h.HeaderChecksum {
		return nil, defs.EINVALID
	}
	return h, 0
}

func deriveKey(password string, salt [saltSize]byte) []byte {
	return pbkdf2.Key([]byte(password), salt[:], pbkdf2Iters, keySize, sha256.New)
}

// pkcs7Pad fills the tail of the final block with the padding
// length itself.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, defs.Err_t) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, defs.EINVALID
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, defs.EINVALID
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, defs.EINVALID
		}
	}
	return data[:len(data)-padLen], 0
}

// Encrypt builds a complete container: header plus PKCS#7-padded
// AES-256-CBC ciphertext, encrypted under a PBKDF2-derived key.
func Encrypt(plaintext []byte, password string, cls defs.Level) ([]byte, defs.Err_t) {
	var salt [saltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, defs.EIO
	}
	var iv [ivSize]byte
	if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
		return nil, defs.EIO
	}

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, defs.EINVALID
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ciphertext, padded)

	h := &Header{
		Version:        [4]byte{1, 0, 0, 0},
		Classification: cls,
		Flags:          flagEncrypted,
		Salt:           salt,
		IV:             iv,
		PlaintextLen:   uint64(len(plaintext)),
		PayloadChecksum: crc32.ChecksumIEEE(plaintext),
	}
	h.HeaderChecksum = crc32.ChecksumIEEE(h.marshalBody())

	out := make([]byte, 0, headerSize+len(ciphertext))
	out = append(out, h.marshal()...)
	out = append(out, ciphertext...)
	return out, 0
}

// Decrypt parses a container, verifies the header checksum, decrypts,
// and verifies the plaintext against the payload checksum. A wrong
// password produces garbage plaintext that fails either unpadding or
// the checksum; both report Invalid.
func Decrypt(container []byte, password string) ([]byte, *Header, defs.Err_t) {
	h, rc := unmarshalHeader(container)
	if rc != 0 {
		return nil, nil, rc
	}
	ciphertext := container[headerSize:]
	if h.Flags&flagEncrypted == 0 {
		plain := bytes.Clone(ciphertext)
		if crc32.ChecksumIEEE(plain) != h.PayloadChecksum {
			return nil, nil, defs.EINVALID
		}
		return plain, h, 0
	}

	key := deriveKey(password, h.Salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, defs.EINVALID
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, nil, defs.EINVALID
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, h.IV[:]).CryptBlocks(padded, ciphertext)

	plain, rc := pkcs7Unpad(padded)
	if rc != 0 {
		return nil, nil, rc
	}
	if uint64(len(plain)) != h.PlaintextLen {
		return nil, nil, defs.EINVALID
	}
	if crc32.ChecksumIEEE(plain) != h.PayloadChecksum {
		return nil, nil, defs.EINVALID
	}
	return plain, h, 0
}
