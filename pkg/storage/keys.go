package storage

import "github.com/tessellate-io/loom/pkg/types"

// KV key layout. Every key derives from an entity hash, so two workers
// creating the same entity always touch the same keys.
const (
	prefixFunsie    = "funsie:"
	prefixOp        = "op:"
	prefixOpStatus  = "op:status:"
	prefixOpBeat    = "op:beat:"
	prefixOpDeps    = "op:deps:"
	prefixOpSubdag  = "op:subdag:"
	prefixArt       = "art:"
	prefixArtData   = "art:data:"
	prefixArtStatus = "art:status:"
	prefixArtErr    = "art:err:"
	prefixArtLink   = "art:link:"
	prefixArtProd   = "art:prod:"
	prefixArtCons   = "art:cons:"
	prefixContent   = "idx:content:"

	keyOpsIndex  = "idx:ops"
	keyArtsIndex = "idx:arts"
	keyRunning   = "idx:running"
	keyVersion   = "meta:version"

	channelWake    = "loom:wake"
	channelControl = "loom:control"

	// prodConst is the art:prod value of user-provided artifacts.
	prodConst = "const"
)

func keyFunsie(h types.Hash) string    { return prefixFunsie + h.String() }
func keyOp(h types.Hash) string        { return prefixOp + h.String() }
func keyOpStatus(h types.Hash) string  { return prefixOpStatus + h.String() }
func keyOpBeat(h types.Hash) string    { return prefixOpBeat + h.String() }
func keyOpDeps(h types.Hash) string    { return prefixOpDeps + h.String() }
func keyOpSubdag(h types.Hash) string  { return prefixOpSubdag + h.String() }
func keyArt(h types.Hash) string       { return prefixArt + h.String() }
func keyArtData(h types.Hash) string   { return prefixArtData + h.String() }
func keyArtStatus(h types.Hash) string { return prefixArtStatus + h.String() }
func keyArtErr(h types.Hash) string    { return prefixArtErr + h.String() }
func keyArtLink(h types.Hash) string   { return prefixArtLink + h.String() }
func keyArtProd(h types.Hash) string   { return prefixArtProd + h.String() }
func keyArtCons(h types.Hash) string   { return prefixArtCons + h.String() }
func keyContent(h types.Hash) string   { return prefixContent + h.String() }

// maxLinkDepth bounds linked-artifact redirect chains. A longer chain means
// a corrupted store, not a legal graph.
const maxLinkDepth = 32
