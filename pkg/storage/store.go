package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tessellate-io/loom/pkg/types"
)

// SchemaVersion is stamped at meta:version when a store is first opened.
// Cross-version compatibility is not guaranteed; a mismatch refuses to open.
const SchemaVersion = "1"

var (
	// ErrNotFound is returned when an entity is absent from the store.
	ErrNotFound = errors.New("storage: not found")
	// ErrHashCollision means a write-once key was about to be rewritten
	// with different bytes. This is a fatal invariant violation.
	ErrHashCollision = errors.New("storage: hash collision")
	// ErrAmbiguousPrefix means a hash prefix matched more than one entity.
	ErrAmbiguousPrefix = errors.New("storage: ambiguous hash prefix")
	// ErrVersionMismatch means the persisted schema version differs from
	// this binary's.
	ErrVersionMismatch = errors.New("storage: store version mismatch")
)

// OutputResult is one produced output inside a commit. For ready outputs the
// store consults the content index atomically: if another artifact already
// holds identical bytes, the output is stored as linked instead.
type OutputResult struct {
	Artifact types.Hash
	Status   types.ArtifactStatus // StatusReady or StatusError
	Data     []byte               // ready only
	Content  types.Hash           // content digest of Data, ready only
	Err      *types.ErrorRecord   // error only
}

// Commit carries an operation's terminal transition. Statuses of the
// operation and all outputs move in one atomic step.
type Commit struct {
	Op      types.Hash
	Status  types.OpStatus // OpDone or OpError
	Outputs []OutputResult
}

// SubdagAttachment records the sub-graph generated by a subdag operation:
// the link table plus the redirects that rebind the parent's declared
// outputs onto generated artifacts.
type SubdagAttachment struct {
	Ops       []types.Hash
	Artifacts []types.Hash
	Redirects map[types.Hash]types.Hash // declared output -> generated artifact
}

// ControlMessage rides the control channel. An empty Worker selector
// addresses every worker.
type ControlMessage struct {
	Drain  bool   `json:"drain"`
	Worker string `json:"worker,omitempty"`
}

// Store is the engine's view of the shared KV store. Implementations must
// preserve three invariants regardless of concurrent callers:
//
//   - content keyed by hash is write-once; a conflicting rewrite is
//     ErrHashCollision
//   - creation operations are idempotent
//   - status transitions are monotone and atomic with their payloads
type Store interface {
	// Funsies
	PutFunsie(ctx context.Context, h types.Hash, f *types.Funsie) error
	GetFunsie(ctx context.Context, h types.Hash) (*types.Funsie, error)

	// Artifacts
	PutConstArtifact(ctx context.Context, a *types.Artifact, data []byte) error
	GetArtifact(ctx context.Context, h types.Hash) (*types.Artifact, error)
	GetArtifactData(ctx context.Context, h types.Hash) ([]byte, error)
	ArtifactStatus(ctx context.Context, h types.Hash) (types.ArtifactStatus, error)
	ArtifactError(ctx context.Context, h types.Hash) (*types.ErrorRecord, error)
	// ResolveLink follows linked redirects until a non-linked artifact is
	// reached and returns its hash.
	ResolveLink(ctx context.Context, h types.Hash) (types.Hash, error)

	// Operations. PutOperation atomically writes the operation record, its
	// unresolved output artifacts and the forward/reverse indexes; created
	// is false when the operation already existed.
	PutOperation(ctx context.Context, op *types.Operation, outputs []*types.Artifact) (created bool, err error)
	GetOperation(ctx context.Context, h types.Hash) (*types.Operation, error)
	OpStatus(ctx context.Context, h types.Hash) (types.OpStatus, error)

	// Execution lifecycle. ClaimOp is the pending→running compare-and-set
	// workers contend on; the loser gets false. CommitOp performs the
	// atomic terminal step and publishes a wake notification.
	ClaimOp(ctx context.Context, h types.Hash) (bool, error)
	HeartbeatOp(ctx context.Context, h types.Hash) error
	CommitOp(ctx context.Context, c *Commit) error
	// StaleOps returns running operations whose last heartbeat is older
	// than the cutoff. ResetOp moves one of them back to pending so it can
	// be reclaimed; it returns false if the operation committed meanwhile.
	StaleOps(ctx context.Context, cutoff time.Time) ([]types.Hash, error)
	ResetOp(ctx context.Context, h types.Hash) (bool, error)

	// Dynamic sub-DAGs
	AttachSubdag(ctx context.Context, parent types.Hash, att *SubdagAttachment) error
	SubdagOps(ctx context.Context, parent types.Hash) ([]types.Hash, error)

	// Graph indexes. Producer returns the operation producing an artifact;
	// isConst is true for user-provided artifacts.
	Producer(ctx context.Context, art types.Hash) (op types.Hash, isConst bool, err error)
	Consumers(ctx context.Context, art types.Hash) ([]types.Hash, error)
	OpInputs(ctx context.Context, op types.Hash) ([]types.Hash, error)

	// Enumeration and lookup
	ListOperations(ctx context.Context) ([]types.Hash, error)
	ListArtifacts(ctx context.Context) ([]types.Hash, error)
	FindByPrefix(ctx context.Context, prefix string) (types.Hash, error)

	// Notifications. SubscribeWake fires after any commit; SubscribeControl
	// delivers drain requests. The returned cancel funcs release the
	// subscription.
	SubscribeWake(ctx context.Context) (<-chan struct{}, func(), error)
	PublishWake(ctx context.Context) error
	SubscribeControl(ctx context.Context) (<-chan ControlMessage, func(), error)
	PublishControl(ctx context.Context, msg ControlMessage) error

	Version(ctx context.Context) (string, error)
	Close() error
}
