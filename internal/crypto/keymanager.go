// Package crypto provides key management, transaction signing and HMAC
// request authentication for the ledger relayer and the proof oracle.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// minIterations is the lowest PBKDF2-HMAC-SHA256 work factor accepted
	// when reading a key file; new files are written with keyFileIterations.
	minIterations     = 310_000
	keyFileIterations = 480_000

	saltLen         = 16
	aesKeyLen       = 32
	keyFileVersion  = 2
	keyFileKDFName  = "pbkdf2-sha256"
	keyFileCipherID = "aes-256-gcm"
)

var (
	// ErrNoKeySource means neither a raw key nor a key file is configured.
	ErrNoKeySource = errors.New("crypto: no wallet key configured")
	// ErrWrongPassword means the key file did not open with the password.
	ErrWrongPassword = errors.New("crypto: key file did not decrypt (wrong password?)")
	// ErrAddressMismatch means a key file decrypted to a key whose address
	// differs from the one recorded in the file.
	ErrAddressMismatch = errors.New("crypto: key file address mismatch")
)

// keyFile is the on-disk wallet key. The address is stored in clear so an
// operator can tell which wallet a file holds without the password, and it
// is bound into the ciphertext as additional data.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Cipher     string `json:"cipher"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig says where the operator wallet key comes from.
type KeyConfig struct {
	// RawPrivateKey is a hex secp256k1 key, with or without 0x. It wins
	// over EncryptedKeyPath.
	RawPrivateKey string

	// EncryptedKeyPath is a file written by EncryptKey.
	EncryptedKeyPath string
	KeyPassword      string
}

// ParsePrivateKey decodes a hex secp256k1 key.
func ParsePrivateKey(keyHex string) (*ecdsa.PrivateKey, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return pk, nil
}

// EncryptKey seals key under password and returns the key file contents.
func EncryptKey(key *ecdsa.PrivateKey, password string) ([]byte, error) {
	if key == nil {
		return nil, errors.New("crypto: nil key")
	}
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := keyFileAEAD(password, salt, keyFileIterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	sealed := gcm.Seal(nil, nonce, ethcrypto.FromECDSA(key), addr.Bytes())

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Address:    addr.Hex(),
		KDF:        keyFileKDFName,
		Iterations: keyFileIterations,
		Cipher:     keyFileCipherID,
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(sealed),
	}, "", "  ")
}

// KeyFileAddress returns the wallet address recorded in a key file without
// decrypting it.
func KeyFileAddress(blob []byte) (common.Address, error) {
	kf, err := parseKeyFile(blob)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(kf.Address), nil
}

// DecryptKey opens a key file written by EncryptKey.
func DecryptKey(blob []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	kf, err := parseKeyFile(blob)
	if err != nil {
		return nil, err
	}

	salt, err := hex.DecodeString(kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: key file salt: %w", err)
	}
	nonce, err := hex.DecodeString(kf.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: key file nonce: %w", err)
	}
	sealed, err := hex.DecodeString(kf.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: key file ciphertext: %w", err)
	}

	gcm, err := keyFileAEAD(password, salt, kf.Iterations)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: key file nonce is %d bytes", len(nonce))
	}
	want := common.HexToAddress(kf.Address)
	raw, err := gcm.Open(nil, nonce, sealed, want.Bytes())
	if err != nil {
		return nil, ErrWrongPassword
	}

	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: key file holds an invalid key: %w", err)
	}
	if got := ethcrypto.PubkeyToAddress(key.PublicKey); got != want {
		return nil, fmt.Errorf("%w: file says %s, key is %s", ErrAddressMismatch, want.Hex(), got.Hex())
	}
	return key, nil
}

// LoadKey resolves the operator wallet key. A raw key takes precedence over
// a key file.
func LoadKey(cfg KeyConfig) (*ecdsa.PrivateKey, error) {
	if cfg.RawPrivateKey != "" {
		return ParsePrivateKey(cfg.RawPrivateKey)
	}
	if cfg.EncryptedKeyPath == "" {
		return nil, ErrNoKeySource
	}
	blob, err := os.ReadFile(cfg.EncryptedKeyPath)
	if err != nil {
		return nil, fmt.Errorf("crypto: reading key file: %w", err)
	}
	return DecryptKey(blob, cfg.KeyPassword)
}

func parseKeyFile(blob []byte) (keyFile, error) {
	var kf keyFile
	if err := json.Unmarshal(blob, &kf); err != nil {
		return keyFile{}, fmt.Errorf("crypto: parsing key file: %w", err)
	}
	switch {
	case kf.Version != keyFileVersion:
		return keyFile{}, fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	case kf.KDF != keyFileKDFName || kf.Cipher != keyFileCipherID:
		return keyFile{}, fmt.Errorf("crypto: unsupported key file scheme %s/%s", kf.KDF, kf.Cipher)
	case kf.Iterations < minIterations:
		return keyFile{}, fmt.Errorf("crypto: key file iterations %d below %d", kf.Iterations, minIterations)
	case !common.IsHexAddress(kf.Address):
		return keyFile{}, fmt.Errorf("crypto: key file address %q", kf.Address)
	}
	return kf, nil
}

func keyFileAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
