package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/glasswing-im/sdk-go/pkg/securerandom"
)

// Backup entries are encrypted to the backup's curve25519 public key:
// an ephemeral ECDH shared secret is expanded with HKDF-SHA256 into an
// AES-256-CTR key, an HMAC-SHA256 key and an IV. The MAC covers the
// ciphertext only.
const backupHKDFInfo = "glasswing.backup.v1"

var b64 = base64.RawStdEncoding

type backupKeys struct {
	aesKey []byte
	macKey []byte
	iv     []byte
}

func deriveBackupKeys(shared []byte) (backupKeys, error) {
	r := hkdf.New(sha256.New, shared, nil, []byte(backupHKDFInfo))
	buf := make([]byte, 32+32+16)
	if _, err := io.ReadFull(r, buf); err != nil {
		return backupKeys{}, fmt.Errorf("derive backup keys: %w", err)
	}
	return backupKeys{
		aesKey: buf[:32],
		macKey: buf[32:64],
		iv:     buf[64:],
	}, nil
}

// EncryptBackupEntry encrypts session plaintext to the given backup public
// key. This is the export side of the backup entry format and is also used
// to build test payloads.
func EncryptBackupEntry(plaintext []byte, publicKey []byte) (EncryptedBackupEntry, error) {
	ephemeralPriv, err := securerandom.Key()
	if err != nil {
		return EncryptedBackupEntry{}, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv, curve25519.Basepoint)
	if err != nil {
		return EncryptedBackupEntry{}, fmt.Errorf("derive ephemeral public key: %w", err)
	}

	shared, err := curve25519.X25519(ephemeralPriv, publicKey)
	if err != nil {
		return EncryptedBackupEntry{}, fmt.Errorf("compute shared secret: %w", err)
	}

	keys, err := deriveBackupKeys(shared)
	if err != nil {
		return EncryptedBackupEntry{}, err
	}

	block, err := aes.NewCipher(keys.aesKey)
	if err != nil {
		return EncryptedBackupEntry{}, fmt.Errorf("init cipher: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, keys.iv).XORKeyStream(ciphertext, plaintext)

	mac := hmac.New(sha256.New, keys.macKey)
	mac.Write(ciphertext)

	return EncryptedBackupEntry{
		Ephemeral:  b64.EncodeToString(ephemeralPub),
		MAC:        b64.EncodeToString(mac.Sum(nil)),
		Ciphertext: b64.EncodeToString(ciphertext),
	}, nil
}

func decryptBackupEntry(entry EncryptedBackupEntry, privateKey []byte) ([]byte, error) {
	ephemeralPub, err := b64.DecodeString(entry.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("decode ephemeral key: %w", err)
	}
	wantMAC, err := b64.DecodeString(entry.MAC)
	if err != nil {
		return nil, fmt.Errorf("decode mac: %w", err)
	}
	ciphertext, err := b64.DecodeString(entry.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	shared, err := curve25519.X25519(privateKey, ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	keys, err := deriveBackupKeys(shared)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, keys.macKey)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), wantMAC) {
		return nil, fmt.Errorf("backup entry mac mismatch")
	}

	block, err := aes.NewCipher(keys.aesKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, keys.iv).XORKeyStream(plaintext, ciphertext)

	return plaintext, nil
}

// BackupPublicKey derives the curve25519 public key for a backup private
// key.
func BackupPublicKey(privateKey []byte) (string, error) {
	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return b64.EncodeToString(pub), nil
}
