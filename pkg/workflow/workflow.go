package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tessellate-io/loom/pkg/codec"
	"github.com/tessellate-io/loom/pkg/executor"
	"github.com/tessellate-io/loom/pkg/graph"
	"github.com/tessellate-io/loom/pkg/log"
	"github.com/tessellate-io/loom/pkg/queue"
	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/types"
)

// Session is the user-facing workflow handle: it scopes the store
// connection for a submission and exposes the graph constructors,
// execution and fetching. Sessions are safe for concurrent use.
type Session struct {
	store storage.Store
	queue queue.Queue
	owns  bool

	recorder *recorder
	logger   zerolog.Logger
}

// Wrap builds a session over an existing store and queue without taking
// ownership. The worker runtime uses this to hand subdag generators a
// graph-building API on its own connection.
func Wrap(store storage.Store, q queue.Queue) *Session {
	return &Session{
		store:  store,
		queue:  q,
		logger: log.WithComponent("workflow"),
	}
}

// Own builds a session that closes the store and queue on Close. The CLI
// uses this so connection teardown happens on every exit path.
func Own(store storage.Store, q queue.Queue) *Session {
	s := Wrap(store, q)
	s.owns = true
	return s
}

// Close releases owned resources.
func (s *Session) Close() error {
	if !s.owns {
		return nil
	}
	qErr := s.queue.Close()
	if err := s.store.Close(); err != nil {
		return err
	}
	return qErr
}

// Store exposes the underlying store for inspection commands.
func (s *Session) Store() storage.Store {
	return s.store
}

// Queue exposes the underlying job queue.
func (s *Session) Queue() queue.Queue {
	return s.queue
}

// recorder accumulates the identities a session created, so subdag
// executions can attach their generated sub-graph.
type recorder struct {
	mu   sync.Mutex
	ops  []types.Hash
	arts []types.Hash
}

// Recorded lists the operations and artifacts created through a recording
// session.
type Recorded struct {
	Ops       []types.Hash
	Artifacts []types.Hash
}

// WithRecorder derives a session sharing the same connection that records
// every created identity.
func (s *Session) WithRecorder() *Session {
	derived := *s
	derived.owns = false
	derived.recorder = &recorder{}
	return &derived
}

// Recorded returns what a recording session created.
func (s *Session) Recorded() Recorded {
	if s.recorder == nil {
		return Recorded{}
	}
	s.recorder.mu.Lock()
	defer s.recorder.mu.Unlock()
	return Recorded{
		Ops:       append([]types.Hash(nil), s.recorder.ops...),
		Artifacts: append([]types.Hash(nil), s.recorder.arts...),
	}
}

func (s *Session) recordOp(op types.Hash, outputs map[string]types.Hash) {
	if s.recorder == nil {
		return
	}
	s.recorder.mu.Lock()
	defer s.recorder.mu.Unlock()
	s.recorder.ops = append(s.recorder.ops, op)
	for _, a := range outputs {
		s.recorder.arts = append(s.recorder.arts, a)
	}
}

func (s *Session) recordArtifact(a types.Hash) {
	if s.recorder == nil {
		return
	}
	s.recorder.mu.Lock()
	defer s.recorder.mu.Unlock()
	s.recorder.arts = append(s.recorder.arts, a)
}

// PutConst stores user-provided bytes as a ready artifact.
func (s *Session) PutConst(ctx context.Context, enc types.Encoding, data []byte) (*types.Artifact, error) {
	a, err := graph.PutConst(ctx, s.store, enc, data)
	if err != nil {
		return nil, err
	}
	s.recordArtifact(a.Hash)
	return a, nil
}

// PutConstValue promotes a bare structured value through the codec into a
// const artifact.
func (s *Session) PutConstValue(ctx context.Context, v any) (*types.Artifact, error) {
	data, err := codec.Encode(v)
	if err != nil {
		return nil, err
	}
	return s.PutConst(ctx, types.EncodingJSON, data)
}

// ShellSpec describes a shell operation: commands run in sequence inside a
// scratch directory holding the inputs as files named after their slots.
// Output files named in Outputs are collected; stdout and stderr of every
// command are captured as stdoutN/stderrN artifacts automatically.
type ShellSpec struct {
	Commands []string
	Inputs   map[string]*types.Artifact
	Outputs  []string
	Extra    []byte
}

// PutShell builds a shell operation and returns all of its output
// artifacts by name, captured streams included.
func (s *Session) PutShell(ctx context.Context, spec ShellSpec) (map[string]*types.Artifact, error) {
	if len(spec.Commands) == 0 {
		return nil, fmt.Errorf("shell operation needs at least one command")
	}

	names := make([]string, 0, len(spec.Inputs))
	for name := range spec.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	inputs := make([]types.Slot, 0, len(names))
	bindings := make(map[string]types.Hash, len(names))
	for _, name := range names {
		art := spec.Inputs[name]
		inputs = append(inputs, types.Slot{Name: name, Encoding: art.Encoding})
		bindings[name] = art.Hash
	}

	outputs := make([]types.Slot, 0, len(spec.Outputs)+2*len(spec.Commands))
	for _, name := range spec.Outputs {
		outputs = append(outputs, types.Slot{Name: name, Encoding: types.EncodingBytes})
	}
	for i := range spec.Commands {
		outputs = append(outputs,
			types.Slot{Name: fmt.Sprintf("stdout%d", i), Encoding: types.EncodingBytes},
			types.Slot{Name: fmt.Sprintf("stderr%d", i), Encoding: types.EncodingBytes},
		)
	}

	f := &types.Funsie{
		Kind:     types.KindShell,
		Commands: spec.Commands,
		Inputs:   inputs,
		Outputs:  outputs,
		Strict:   true,
		Extra:    spec.Extra,
	}
	op, err := s.putOperation(ctx, f, bindings)
	if err != nil {
		return nil, err
	}

	arts := make(map[string]*types.Artifact, len(outputs))
	for _, slot := range outputs {
		arts[slot.Name] = &types.Artifact{
			Hash:       op.Outputs[slot.Name],
			Encoding:   slot.Encoding,
			ParentOp:   op.Hash,
			ParentSlot: slot.Name,
		}
	}
	return arts, nil
}

// Binding pairs an input slot with the artifact bound to it. Order is
// significant: it is the slot order of the funsie and therefore part of
// its identity.
type Binding struct {
	Slot     string
	Artifact *types.Artifact
}

// CallableSpec describes an in-process operation resolved by name through
// the worker-side registry.
type CallableSpec struct {
	Name      string
	Inputs    []Binding
	Outputs   []types.Slot
	NonStrict bool
	Extra     []byte
}

// PutCallable builds a callable operation and returns its output
// artifacts in declared order.
func (s *Session) PutCallable(ctx context.Context, spec CallableSpec) ([]*types.Artifact, error) {
	return s.putNamed(ctx, types.KindCallable, spec.Name, spec.Inputs, spec.Outputs, !spec.NonStrict, spec.Extra)
}

// SubdagSpec describes a dynamic sub-DAG operation whose generator runs at
// execution time.
type SubdagSpec struct {
	Generator string
	Inputs    []Binding
	Outputs   []types.Slot
	NonStrict bool
	Extra     []byte
}

// PutSubdag builds a subdag operation and returns its declared output
// artifacts in order.
func (s *Session) PutSubdag(ctx context.Context, spec SubdagSpec) ([]*types.Artifact, error) {
	return s.putNamed(ctx, types.KindSubdag, spec.Generator, spec.Inputs, spec.Outputs, !spec.NonStrict, spec.Extra)
}

func (s *Session) putNamed(ctx context.Context, kind types.FunsieKind, name string, in []Binding, out []types.Slot, strict bool, extra []byte) ([]*types.Artifact, error) {
	if name == "" {
		return nil, fmt.Errorf("%s operation needs a registered name", kind)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s operation needs at least one output", kind)
	}

	inputs := make([]types.Slot, 0, len(in))
	bindings := make(map[string]types.Hash, len(in))
	for _, b := range in {
		if _, dup := bindings[b.Slot]; dup {
			return nil, fmt.Errorf("input slot %q bound twice", b.Slot)
		}
		inputs = append(inputs, types.Slot{Name: b.Slot, Encoding: b.Artifact.Encoding})
		bindings[b.Slot] = b.Artifact.Hash
	}

	f := &types.Funsie{
		Kind:     kind,
		Callable: name,
		Inputs:   inputs,
		Outputs:  out,
		Strict:   strict,
		Extra:    extra,
	}
	op, err := s.putOperation(ctx, f, bindings)
	if err != nil {
		return nil, err
	}

	arts := make([]*types.Artifact, 0, len(out))
	for _, slot := range out {
		arts = append(arts, &types.Artifact{
			Hash:       op.Outputs[slot.Name],
			Encoding:   slot.Encoding,
			ParentOp:   op.Hash,
			ParentSlot: slot.Name,
		})
	}
	return arts, nil
}

func (s *Session) putOperation(ctx context.Context, f *types.Funsie, bindings map[string]types.Hash) (*types.Operation, error) {
	fh, err := graph.PutFunsie(ctx, s.store, f)
	if err != nil {
		return nil, err
	}
	op, created, err := graph.PutOperation(ctx, s.store, fh, bindings)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Debug().Str("op", op.Hash.Short()).Str("kind", string(f.Kind)).Msg("Created operation")
	}
	s.recordOp(op.Hash, op.Outputs)
	return op, nil
}

// Execute submits the targets and blocks until every one is terminal,
// error included. Inspect the artifacts with Fetch afterwards.
func (s *Session) Execute(ctx context.Context, targets ...*types.Artifact) error {
	hashes := make([]types.Hash, 0, len(targets))
	for _, t := range targets {
		hashes = append(hashes, t.Hash)
	}
	return executor.New(s.store, s.queue).Run(ctx, hashes)
}

// FetchResult is the sum outcome of Fetch: bytes (and the decoded value
// for structured artifacts) or the error record.
type FetchResult struct {
	Data  []byte
	Value any
	Err   *types.ErrorRecord
}

// Ok reports whether the artifact resolved to bytes.
func (r *FetchResult) Ok() bool {
	return r.Err == nil
}

// Fetch reads a terminal artifact. It never treats a stored ErrorRecord as
// a failure; that is a value. The returned error covers store failures and
// non-terminal artifacts only.
func (s *Session) Fetch(ctx context.Context, a *types.Artifact) (*FetchResult, error) {
	resolved, err := s.store.ResolveLink(ctx, a.Hash)
	if err != nil {
		return nil, err
	}
	status, err := s.store.ArtifactStatus(ctx, resolved)
	if err != nil {
		return nil, err
	}

	switch status {
	case types.StatusReady:
		data, err := s.store.GetArtifactData(ctx, resolved)
		if err != nil {
			return nil, err
		}
		res := &FetchResult{Data: data}
		if a.Encoding == types.EncodingJSON {
			value, err := codec.Decode(data)
			if err != nil {
				return nil, err
			}
			res.Value = value
		}
		return res, nil
	case types.StatusError:
		rec, err := s.store.ArtifactError(ctx, resolved)
		if err != nil {
			return nil, err
		}
		return &FetchResult{Err: rec}, nil
	default:
		return nil, fmt.Errorf("artifact %s is not terminal (status %s)", a.Hash.Short(), status)
	}
}

// ResolvePrefix looks an identity up by hex prefix (at least 4 chars,
// unambiguous).
func (s *Session) ResolvePrefix(ctx context.Context, prefix string) (types.Hash, error) {
	return s.store.FindByPrefix(ctx, prefix)
}
