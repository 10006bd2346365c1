// Package protocol implements the WeCom callback envelope shared by the
// Bot and Application channels: AES-256-CBC encryption with the platform's
// 32-byte PKCS#7 framing, SHA-1 message signatures, and the JSON/XML payload
// shapes exchanged over the passive webhook.
package protocol

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidKeyLength   = errors.New("encoding key does not decode to 32 bytes")
	ErrInvalidPadding     = errors.New("invalid pkcs7 padding")
	ErrInvalidFraming     = errors.New("invalid envelope framing")
	ErrReceiverIDMismatch = errors.New("receiver id mismatch")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

const (
	// WeCom pads to 32-byte blocks even though AES operates on 16.
	padBlockSize = 32

	keyLen          = 32
	randomPrefixLen = 16
	frameHeaderLen  = randomPrefixLen + 4
)

// Codec seals and opens WeCom callback envelopes for one account.
// The plaintext frame layout is:
//
//	[16 random bytes][4-byte big-endian msg length][msg][receiver id]
//
// The Bot channel uses an empty receiver id; the Application channel uses
// the corp id. A codec configured with an empty receiver id skips the
// receiver check on decrypt.
type Codec struct {
	token      string
	receiverID string
	key        []byte
}

// NewCodec derives the AES key from the 43-character EncodingAESKey the
// WeCom console issues. A '=' is appended when the base64 padding is
// missing; the decoded key must be exactly 32 bytes.
func NewCodec(token, encodingAESKey, receiverID string) (*Codec, error) {
	if !strings.HasSuffix(encodingAESKey, "=") {
		encodingAESKey += "="
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
	}
	if len(key) != keyLen {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(key))
	}
	return &Codec{token: token, receiverID: receiverID, key: key}, nil
}

// Encrypt frames msg, pads it, and returns the base64 AES-256-CBC ciphertext.
// The IV is the first 16 bytes of the key.
func (c *Codec) Encrypt(msg []byte) (string, error) {
	frame := make([]byte, 0, frameHeaderLen+len(msg)+len(c.receiverID)+padBlockSize)
	prefix := make([]byte, randomPrefixLen)
	if _, err := rand.Read(prefix); err != nil {
		return "", fmt.Errorf("random prefix: %w", err)
	}
	frame = append(frame, prefix...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(msg)))
	frame = append(frame, msg...)
	frame = append(frame, c.receiverID...)
	frame = pkcs7Pad(frame, padBlockSize)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	out := make([]byte, len(frame))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, frame)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt and returns the framed message. It rejects
// ciphertext that is not block-aligned, padded incorrectly, framed with an
// out-of-range length, or addressed to a different receiver.
func (c *Codec) Decrypt(encrypted string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidFraming, err)
	}
	return c.DecryptBytes(raw)
}

// DecryptBytes decrypts a raw (non-base64) ciphertext. Media blobs behind
// Bot-channel image/file URLs are sealed with the same key and framing but
// download as raw bytes.
func (c *Codec) DecryptBytes(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrInvalidFraming, len(raw))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain, padBlockSize)
	if err != nil {
		return nil, err
	}
	if len(plain) < frameHeaderLen {
		return nil, fmt.Errorf("%w: frame too short", ErrInvalidFraming)
	}
	msgLen := binary.BigEndian.Uint32(plain[randomPrefixLen:frameHeaderLen])
	if uint64(msgLen) > uint64(len(plain)-frameHeaderLen) {
		return nil, fmt.Errorf("%w: message length %d exceeds frame", ErrInvalidFraming, msgLen)
	}
	msg := plain[frameHeaderLen : frameHeaderLen+int(msgLen)]
	receiver := string(plain[frameHeaderLen+int(msgLen):])
	if c.receiverID != "" && receiver != c.receiverID {
		return nil, fmt.Errorf("%w: got %q", ErrReceiverIDMismatch, receiver)
	}
	out := make([]byte, len(msg))
	copy(out, msg)
	return out, nil
}

// ComputeSignature returns WeCom's callback signature: the four parameters
// are sorted lexicographically, concatenated, and SHA-1 hashed. Sorting
// makes the result independent of argument order.
func ComputeSignature(token, timestamp, nonce, encrypted string) string {
	parts := []string{token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// Signature computes the callback signature with the codec's token.
func (c *Codec) Signature(timestamp, nonce, encrypted string) string {
	return ComputeSignature(c.token, timestamp, nonce, encrypted)
}

// Verify checks the signature parameter in constant time.
func (c *Codec) Verify(signature, timestamp, nonce, encrypted string) error {
	want := c.Signature(timestamp, nonce, encrypted)
	if subtle.ConstantTimeCompare([]byte(want), []byte(signature)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// Open verifies the signature and decrypts the ciphertext in one step.
// Both the GET echo verification and the POST callback body go through it.
func (c *Codec) Open(signature, timestamp, nonce, encrypted string) ([]byte, error) {
	if err := c.Verify(signature, timestamp, nonce, encrypted); err != nil {
		return nil, err
	}
	return c.Decrypt(encrypted)
}

// Seal encrypts msg and wraps it in the reply envelope WeCom expects,
// echoing the timestamp and nonce of the request being answered.
func (c *Codec) Seal(msg []byte, timestamp, nonce string) (EncryptedReply, error) {
	encrypted, err := c.Encrypt(msg)
	if err != nil {
		return EncryptedReply{}, err
	}
	return EncryptedReply{
		Encrypt:      encrypted,
		MsgSignature: c.Signature(timestamp, nonce, encrypted),
		Timestamp:    timestamp,
		Nonce:        nonce,
	}, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPadding, len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: pad count %d", ErrInvalidPadding, n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}
