// Package anchor implements the Anchor discriminator derivation rule.
//
// Anchor programs identify instructions and account types by the first 8
// bytes of sha256("<namespace>:<name>"). The L2 program registers its
// entrypoints with exactly these bytes, so the relayer computes them the
// same way instead of hardcoding IDL constants.
package anchor

import "crypto/sha256"

const (
	// NamespaceGlobal is the namespace Anchor uses for instruction handlers.
	NamespaceGlobal = "global"
	// NamespaceAccount is the namespace Anchor uses for account structs.
	NamespaceAccount = "account"
)

// Discriminator returns the 8-byte discriminator for a name within a
// namespace, per the Anchor derivation rule.
func Discriminator(namespace, name string) [8]byte {
	hash := sha256.Sum256([]byte(namespace + ":" + name))
	var d [8]byte
	copy(d[:], hash[:8])
	return d
}
