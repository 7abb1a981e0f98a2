package identity

import (
	"crypto/ed25519"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"

	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"

	"verity/internal/verrors"
)

// minSeedLen is the minimum acceptable master seed length.
const minSeedLen = 16

// hmacSHA512 derives key material using the SLIP-0010-style HMAC-SHA512
// construction for hardened children.
func hmacSHA512(key, data []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// deriveSubkey derives an ed25519 keypair from masterSeed under a named
// context and subkey index ("root sign key at subkey index 0 under context
// 'CCI Identity'"). Derivation is single-level: the context string
// replaces an account level, since Verity has no chain of
// accounts, only a fixed handful of named subkey roles plus an
// incrementing extension-cube index.
func deriveSubkey(masterSeed []byte, context string, index uint32) (ed25519.PrivateKey, error) {
	if len(masterSeed) < minSeedLen {
		return nil, verrors.Crypto("master seed too short (%d bytes)", len(masterSeed))
	}
	I := hmacSHA512([]byte("ed25519 seed"), masterSeed)
	chainKey, chainCode := I[:32], I[32:]

	data := make([]byte, len(context)+4)
	copy(data, context)
	binary.BigEndian.PutUint32(data[len(context):], index)

	J := hmacSHA512(chainCode, append(data, chainKey...))
	seed := J[:32]
	return ed25519.NewKeyFromSeed(seed), nil
}

// RootSignKey derives the Identity's root signing key (spec §4.6, subkey
// index 0).
func RootSignKey(masterSeed []byte, params Params) (ed25519.PrivateKey, error) {
	return deriveSubkey(masterSeed, params.SignContextString, 0)
}

// RootEncryptionKey derives the Identity's encryption key. Nothing in this
// engine currently encrypts cube payloads (out of scope per spec §1's
// "anonymity/transport encryption" non-goal), but the key is derived and
// exposed so a consuming application can use it.
func RootEncryptionKey(masterSeed []byte, params Params) (ed25519.PrivateKey, error) {
	return deriveSubkey(masterSeed, params.EncryptionContextString, 0)
}

// ExtensionSubkey derives the signing key for the index'th extension MUC
// chained off a root identity (spec §4.6 "derived subkeys (context 'MUC
// extension key', subkey index recorded in a SUBKEY_SEED field)").
func ExtensionSubkey(masterSeed []byte, index uint32) (ed25519.PrivateKey, error) {
	return deriveSubkey(masterSeed, extensionKeyContextString, index)
}

// NewRandomMasterSeed generates a fresh BIP-39 mnemonic and its seed (spec
// §4.6 "Recovery ... or from a BIP39 mnemonic"). entropyBits must be 128 or
// 256, matching 12- or 24-word mnemonics.
func NewRandomMasterSeed(entropyBits int) (seed []byte, mnemonic string, err error) {
	if entropyBits != 128 && entropyBits != 256 {
		return nil, "", verrors.Crypto("unsupported entropy size %d", entropyBits)
	}
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", verrors.Crypto("generate entropy: %v", err)
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", verrors.Crypto("build mnemonic: %v", err)
	}
	return bip39.NewSeed(mnemonic, ""), mnemonic, nil
}

// MasterSeedFromMnemonic recovers the master seed from an existing BIP-39
// phrase (spec §4.6 "Recovery ... from a BIP39 mnemonic").
func MasterSeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, verrors.Crypto("invalid mnemonic checksum")
	}
	return bip39.NewSeed(mnemonic, passphrase), nil
}

// MasterSeedFromPassword recovers the master seed from (username,
// password) via Argon2id (spec §4.6 "memory-hard KDF producing the master
// seed"). The username salts the KDF so the same password yields different
// seeds under different usernames; this is a deterministic recovery path,
// not a secret-storage scheme, so the salt need not itself be secret.
func MasterSeedFromPassword(username, password string, params Params) []byte {
	salt := sha256.Sum256([]byte(username))
	return argon2.IDKey([]byte(password), salt[:], params.ArgonTime, params.ArgonMemoryKiB, 1, 32)
}

// RandomEntropy returns n cryptographically random bytes, used where a
// caller needs a fresh avatar seed rather than deriving one.
func RandomEntropy(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := crand.Read(b); err != nil {
		return nil, verrors.Crypto("read random entropy: %v", err)
	}
	return b, nil
}
