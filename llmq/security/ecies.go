// llmq/security/ecies.go
// ECIES 加解密工具（用于 DKG 贡献加密）
// 密文格式：ephemeralPubKey (33 bytes) || ciphertext (len=plaintext) || mac (32 bytes)

package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidCiphertext     = errors.New("invalid ciphertext format")
	ErrMacVerificationFailed = errors.New("mac verification failed")
	ErrInvalidPublicKey      = errors.New("invalid public key")
	ErrInvalidPrivateKey     = errors.New("invalid private key")
)

const (
	pubKeyLen = 33
	macLen    = 32

	// Overhead 密文比明文多出的字节数
	Overhead = pubKeyLen + macLen
)

var kdfInfo = []byte("llmq-dkg-contribution")

// ECIESCiphertext ECIES 密文结构
type ECIESCiphertext struct {
	EphemeralPubKey []byte // 33 bytes compressed public key
	Encrypted       []byte // 加密的数据
	Mac             []byte // HMAC-SHA256
}

// ECIESEncrypt 使用 secp256k1 ECIES 加密
// recipientPubKey: 接收者公钥（33 字节压缩格式）
// randomness: 临时私钥（32 字节，可用于确定性重放）
func ECIESEncrypt(recipientPubKey, plaintext, randomness []byte) ([]byte, error) {
	if len(recipientPubKey) != pubKeyLen {
		return nil, ErrInvalidPublicKey
	}
	if len(randomness) != 32 {
		return nil, errors.New("randomness must be 32 bytes")
	}
	pubKey, err := btcec.ParsePubKey(recipientPubKey)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}

	ephemeralPriv, _ := btcec.PrivKeyFromBytes(randomness)
	ephemeralPubBytes := ephemeralPriv.PubKey().SerializeCompressed()

	encKey, macKey, err := deriveKeys(btcec.GenerateSharedSecret(ephemeralPriv, pubKey), ephemeralPubBytes)
	if err != nil {
		return nil, err
	}

	encrypted, err := aesCTR(encKey, plaintext)
	if err != nil {
		return nil, err
	}
	mac := computeHMAC(macKey, encrypted)

	result := make([]byte, 0, Overhead+len(encrypted))
	result = append(result, ephemeralPubBytes...)
	result = append(result, encrypted...)
	result = append(result, mac...)
	return result, nil
}

// ECIESEncryptRandom 随机临时密钥加密
func ECIESEncryptRandom(recipientPubKey, plaintext []byte) ([]byte, error) {
	randomness := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, randomness); err != nil {
		return nil, err
	}
	return ECIESEncrypt(recipientPubKey, plaintext, randomness)
}

// ECIESDecrypt 用接收者私钥解密
func ECIESDecrypt(recipientPrivKey, ciphertext []byte) ([]byte, error) {
	if len(recipientPrivKey) != 32 {
		return nil, ErrInvalidPrivateKey
	}
	ct, err := ParseECIESCiphertext(ciphertext, len(ciphertext)-Overhead)
	if err != nil {
		return nil, err
	}
	ephemeralPub, err := btcec.ParsePubKey(ct.EphemeralPubKey)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	priv, _ := btcec.PrivKeyFromBytes(recipientPrivKey)

	encKey, macKey, err := deriveKeys(btcec.GenerateSharedSecret(priv, ephemeralPub), ct.EphemeralPubKey)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(computeHMAC(macKey, ct.Encrypted), ct.Mac) {
		return nil, ErrMacVerificationFailed
	}
	return aesCTR(encKey, ct.Encrypted)
}

// ECIESVerifyCiphertext 验证密文是否由给定的明文和随机数生成
func ECIESVerifyCiphertext(recipientPubKey, plaintext, randomness, ciphertext []byte) bool {
	recomputed, err := ECIESEncrypt(recipientPubKey, plaintext, randomness)
	if err != nil {
		return false
	}
	return bytes.Equal(recomputed, ciphertext)
}

// ParseECIESCiphertext 解析 ECIES 密文
func ParseECIESCiphertext(ciphertext []byte, plaintextLen int) (*ECIESCiphertext, error) {
	if plaintextLen <= 0 || len(ciphertext) != Overhead+plaintextLen {
		return nil, ErrInvalidCiphertext
	}
	return &ECIESCiphertext{
		EphemeralPubKey: ciphertext[:pubKeyLen],
		Encrypted:       ciphertext[pubKeyLen : pubKeyLen+plaintextLen],
		Mac:             ciphertext[pubKeyLen+plaintextLen:],
	}, nil
}

// OperatorPubKey operator 私钥对应的压缩公钥
func OperatorPubKey(operatorKey []byte) ([]byte, error) {
	if len(operatorKey) != 32 {
		return nil, ErrInvalidPrivateKey
	}
	priv, _ := btcec.PrivKeyFromBytes(operatorKey)
	return priv.PubKey().SerializeCompressed(), nil
}

// deriveKeys HKDF-SHA256(shared, salt=ephemeralPub) -> 32 字节加密密钥 + 32 字节 MAC 密钥
func deriveKeys(shared, salt []byte) (encKey, macKey []byte, err error) {
	out := make([]byte, 64)
	if _, err = io.ReadFull(hkdf.New(sha256.New, shared, salt, kdfInfo), out); err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// aesCTR AES-CTR 加解密（对称）
func aesCTR(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	// 全零 IV（每个密钥只用一次）
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}

// computeHMAC 计算 HMAC-SHA256
func computeHMAC(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
