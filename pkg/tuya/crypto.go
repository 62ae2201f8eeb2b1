package tuya

import (
	"bytes"
	"crypto/aes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const aesBlockSize = 16

// KeySize is the length of a Tuya local key and of every derived session key.
const KeySize = 16

func pkcs5Pad(data []byte) []byte {
	pLen := aesBlockSize - len(data)%aesBlockSize
	padding := bytes.Repeat([]byte{byte(pLen)}, pLen)
	return append(data, padding...)
}

func pkcs5Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aesBlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext length %d", ErrProtocol, len(data))
	}
	pLen := int(data[len(data)-1])
	if pLen == 0 || pLen > aesBlockSize || pLen > len(data) {
		return nil, fmt.Errorf("%w: bad padding byte %d", ErrProtocol, pLen)
	}
	for _, b := range data[len(data)-pLen:] {
		if int(b) != pLen {
			return nil, fmt.Errorf("%w: bad padding", ErrProtocol)
		}
	}
	return data[:len(data)-pLen], nil
}

// encryptECB encrypts data with AES-128-ECB. The input is PKCS#5 padded
// unless pad is false, in which case it must already be block-aligned.
func encryptECB(key, data []byte, pad bool) ([]byte, error) {
	if pad {
		data = pkcs5Pad(data)
	}
	if len(data)%aesBlockSize != 0 {
		return nil, fmt.Errorf("%w: plaintext not block aligned", ErrProtocol)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	encrypted := make([]byte, len(data))
	for i := 0; i < len(data); i += aesBlockSize {
		block.Encrypt(encrypted[i:i+aesBlockSize], data[i:i+aesBlockSize])
	}
	return encrypted, nil
}

// decryptECB decrypts AES-128-ECB ciphertext. Padding is left in place;
// callers strip it with pkcs5Unpad when the plaintext is padded.
func decryptECB(key, data []byte) ([]byte, error) {
	if len(data)%aesBlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block aligned", ErrProtocol)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	decrypted := make([]byte, len(data))
	for i := 0; i < len(data); i += aesBlockSize {
		block.Decrypt(decrypted[i:i+aesBlockSize], data[i:i+aesBlockSize])
	}
	return decrypted, nil
}

// nonceCharset deliberately omits O, o, l and 1.
const nonceCharset = "ABCDEFGHIJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz023456789"

// newNonce returns a 16-byte ASCII nonce for session key negotiation.
func newNonce() []byte {
	buf := make([]byte, KeySize)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = nonceCharset[int(b)%len(nonceCharset)]
	}
	return buf
}

// deriveSessionKey computes AES-ECB(key, localNonce XOR remoteNonce). The
// result replaces the local key for the rest of the connection.
func deriveSessionKey(key, localNonce, remoteNonce []byte) ([]byte, error) {
	xored := make([]byte, KeySize)
	for i := range xored {
		xored[i] = localNonce[i] ^ remoteNonce[i]
	}
	sessionKey, err := encryptECB(key, xored, false)
	if err != nil {
		return nil, err
	}
	return sessionKey[:KeySize], nil
}

func hmacSHA256(key, data []byte) []byte {
	calc := hmac.New(sha256.New, key)
	calc.Write(data)
	return calc.Sum(nil)
}

// digest31 computes the 16-hex-char digest that prefixes 3.1 control
// payloads: chars [8:24) of MD5("data=<b64>||lpv=3.1||<key>").
func digest31(key []byte, b64 string) string {
	h := md5.Sum([]byte("data=" + b64 + "||lpv=3.1||" + string(key)))
	return hex.EncodeToString(h[:])[8:24]
}

// KeyFingerprint returns a short non-reversible identifier for a key,
// safe to include in log output.
func KeyFingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}
