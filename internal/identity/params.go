package identity

import "time"

// Params bundles the Identity construction and republish tunables spec
// §6.4 lists (idmucContextString, idmucEncryptionContextString,
// idmucApplicationString, minMucRebuildDelay, argonCpuHardness,
// argonMemoryHardness, subscriptionRecursionDepth, subscribeRemoteChanges).
type Params struct {
	// SignContextString roots the signing-subkey derivation (spec §4.6
	// "root sign key at subkey index 0 under context 'CCI Identity'").
	SignContextString string
	// EncryptionContextString roots the encryption-subkey derivation
	// (spec §4.6 "encryption key under 'CCI Encryption'").
	EncryptionContextString string
	// ApplicationString fills the root MUC's APPLICATION field.
	ApplicationString string

	// MinMucRebuildDelay throttles successive Store() calls (spec §4.6
	// "Enforce minMucRebuildDelay between successive stores").
	MinMucRebuildDelay time.Duration

	// ArgonTime and ArgonMemoryKiB parameterize the Argon2id KDF used by
	// MasterSeedFromPassword (spec §4.6 "memory-hard KDF ... defaulting to ~64 MiB").
	ArgonTime      uint32
	ArgonMemoryKiB uint32

	// SubscriptionRecursionDepth is the default depth GetPosts recurses
	// into subscribed identities (spec §4.6 "getPosts").
	SubscriptionRecursionDepth int

	// SubscribeRemoteChanges toggles whether an owned Identity reacts to
	// remote MUC updates of itself (spec §6.4).
	SubscribeRemoteChanges bool
}

// DefaultParams mirrors spec §6.4's documented defaults.
func DefaultParams() Params {
	return Params{
		SignContextString:          "CCI Identity",
		EncryptionContextString:    "CCI Encryption",
		ApplicationString:          "ID",
		MinMucRebuildDelay:         10 * time.Second,
		ArgonTime:                  1,
		ArgonMemoryKiB:             64 * 1024, // ~64 MiB
		SubscriptionRecursionDepth: 1,
		SubscribeRemoteChanges:     true,
	}
}

// extensionKeyContextString roots extension-MUC subkey derivation (spec
// §4.6 "sculpt extension MUCs under derived subkeys (context 'MUC
// extension key' ...)").
const extensionKeyContextString = "MUC extension key"
