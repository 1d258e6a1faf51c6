package hash

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/tessellate-io/loom/pkg/types"
)

// Domain prefixes keep the identity spaces of the entity kinds disjoint.
// The version suffix allows a future algorithm migration without colliding
// with existing stores.
const (
	domainFunsie    = "loom/funsie/v1"
	domainConst     = "loom/artifact/const/v1"
	domainOutput    = "loom/artifact/output/v1"
	domainOperation = "loom/operation/v1"
)

// digest computes a types.HashSize-byte blake2b digest over
// domain || 0x00 || data. The null separator removes domain/data boundary ambiguity.
func digest(domain string, data []byte) types.Hash {
	h, err := blake2b.New(types.HashSize, nil)
	if err != nil {
		// blake2b only errors on bad key/size parameters, which are fixed here.
		panic(fmt.Sprintf("hash: blake2b init: %v", err))
	}
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ForFunsie computes the identity of an operation descriptor. Two funsies
// with identical canonical form share an identity; command order, slot
// order, strictness and extra bytes all participate.
func ForFunsie(f *types.Funsie) types.Hash {
	var c canonical
	c.writeString(string(f.Kind))
	c.writeStrings(f.Commands)
	c.writeString(f.Callable)
	c.writeSlots(f.Inputs)
	c.writeSlots(f.Outputs)
	c.writeBool(f.Strict)
	c.writeBytes(f.Extra)
	return digest(domainFunsie, c.bytes())
}

// ForOperation computes the identity of a funsie bound to concrete inputs.
// Same funsie + same inputs means the same operation everywhere, which is
// what collapses identical work across machines and time.
func ForOperation(funsie types.Hash, inputs map[string]types.Hash) types.Hash {
	var c canonical
	c.writeHash(funsie)
	c.writeBindings(inputs)
	return digest(domainOperation, c.bytes())
}

// ForConst computes the identity of a user-provided artifact from its
// encoding and content. Identical bytes collapse to one artifact.
func ForConst(enc types.Encoding, data []byte) types.Hash {
	var c canonical
	c.writeString(string(enc))
	c.writeBytes(data)
	return digest(domainConst, c.bytes())
}

// ForContent is the digest used by the deduplication index. It is the const
// rule applied to produced bytes, so a produced blob that equals an existing
// const artifact links to it.
func ForContent(enc types.Encoding, data []byte) types.Hash {
	return ForConst(enc, data)
}

// ForOutput computes the causal identity of a produced artifact: who will
// make it and which output slot, nothing about the (future) bytes.
func ForOutput(op types.Hash, slot string) types.Hash {
	var c canonical
	c.writeHash(op)
	c.writeString(slot)
	return digest(domainOutput, c.bytes())
}

// MinPrefixLen is the shortest accepted hex prefix for identity lookup.
const MinPrefixLen = 4

// NormalizePrefix validates and lowercases a hex hash prefix.
func NormalizePrefix(prefix string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(prefix))
	if len(p) < MinPrefixLen {
		return "", fmt.Errorf("hash prefix %q too short: need at least %d hex chars", prefix, MinPrefixLen)
	}
	if len(p) > types.HashSize*2 {
		return "", fmt.Errorf("hash prefix %q longer than a full hash", prefix)
	}
	for _, r := range p {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("hash prefix %q is not hex", prefix)
		}
	}
	return p, nil
}
