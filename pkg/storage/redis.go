package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tessellate-io/loom/pkg/hash"
	"github.com/tessellate-io/loom/pkg/log"
	"github.com/tessellate-io/loom/pkg/types"
)

// Lua scripts keep the multi-key invariant-preserving writes atomic. Every
// key a script touches derives from the operation or artifact hash, so
// concurrent creators of the same entity serialize on identical keys.
var (
	// putConstScript: create a const artifact (meta, data, status, indexes)
	// if absent. Returns 1 created, 0 existed with equal bytes, -1 on a
	// conflicting rewrite.
	putConstScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  if redis.call('GET', KEYS[2]) ~= ARGV[2] then
    return -1
  end
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SET', KEYS[3], 'ready')
redis.call('SET', KEYS[4], 'const')
redis.call('SETNX', KEYS[5], ARGV[3])
redis.call('SADD', KEYS[6], ARGV[3])
return 1
`)

	// putOpScript: create an operation, its unresolved outputs and both
	// index directions in one step. KEYS layout:
	//   1 op  2 op:status  3 op:deps  4 idx:ops  5 idx:arts
	//   then 3 keys per output (art, art:status, art:prod)
	//   then 1 key per input (art:cons)
	// ARGV layout:
	//   1 opJSON  2 opHex  3 nOutputs  4 nInputs
	//   then per output (metaJSON, outHex), then per input (inHex)
	putOpScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('SET', KEYS[2], 'pending')
redis.call('SADD', KEYS[4], ARGV[2])
local nout = tonumber(ARGV[3])
local nin = tonumber(ARGV[4])
local a = 5
local k = 6
for i = 1, nout do
  redis.call('SETNX', KEYS[k], ARGV[a])
  redis.call('SETNX', KEYS[k+1], 'unresolved')
  redis.call('SET', KEYS[k+2], ARGV[2])
  redis.call('SADD', KEYS[5], ARGV[a+1])
  a = a + 2
  k = k + 3
end
for i = 1, nin do
  redis.call('SADD', KEYS[3], ARGV[a])
  redis.call('SADD', KEYS[k], ARGV[2])
  a = a + 1
  k = k + 1
end
return 1
`)

	// claimScript: pending -> running CAS plus heartbeat stamp.
	// KEYS: op:status, op:beat, idx:running. ARGV: nowNanos, opHex.
	claimScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= 'pending' then
  return 0
end
redis.call('SET', KEYS[1], 'running')
redis.call('SET', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

	// resetScript: running -> pending CAS for crash reclaim and claim
	// release. Racing a still-alive worker is harmless: its commit either
	// lands first or no-ops against the re-runner's terminal status, and
	// outputs are write-once either way. KEYS: op:status, op:beat,
	// idx:running. ARGV: opHex.
	resetScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= 'running' then
  return 0
end
redis.call('SET', KEYS[1], 'pending')
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
return 1
`)

	// commitScript: terminal transition of an operation and its outputs.
	// Ready outputs consult the content index: identical bytes elsewhere
	// become a link instead of a second copy. KEYS layout:
	//   1 op:status  2 idx:running
	//   then 5 keys per output (art:status, art:data, art:err, art:link,
	//   idx:content). ARGV layout:
	//   1 opHex  2 opStatus  3 nOutputs
	//   then per output (outHex, status, data, errJSON)
	commitScript = redis.NewScript(`
local s = redis.call('GET', KEYS[1])
if s ~= 'running' and s ~= 'pending' then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('SREM', KEYS[2], ARGV[1])
local n = tonumber(ARGV[3])
local a = 4
local k = 3
for i = 1, n do
  local ohex, st, data, errj = ARGV[a], ARGV[a+1], ARGV[a+2], ARGV[a+3]
  a = a + 4
  local kstatus, kdata, kerr, klink, kcontent = KEYS[k], KEYS[k+1], KEYS[k+2], KEYS[k+3], KEYS[k+4]
  k = k + 5
  if redis.call('GET', kstatus) == 'unresolved' then
    if st == 'ready' then
      local existing = redis.call('GET', kcontent)
      if existing and existing ~= ohex then
        redis.call('SET', klink, existing)
        redis.call('SET', kstatus, 'linked')
      else
        redis.call('SET', kdata, data)
        redis.call('SET', kstatus, 'ready')
        redis.call('SETNX', kcontent, ohex)
      end
    else
      redis.call('SET', kerr, errj)
      redis.call('SET', kstatus, 'error')
    end
  end
end
return 1
`)

	// attachScript: record a subdag's link table and rebind the parent's
	// declared outputs as links onto generated artifacts. KEYS:
	//   1 op:subdag, then 2 keys per redirect (art:status, art:link).
	// ARGV: nOps, nRedirects, then op hexes, then per redirect targetHex.
	attachScript = redis.NewScript(`
local nops = tonumber(ARGV[1])
local nred = tonumber(ARGV[2])
local a = 3
for i = 1, nops do
  redis.call('SADD', KEYS[1], ARGV[a])
  a = a + 1
end
local k = 2
for i = 1, nred do
  if redis.call('GET', KEYS[k]) == 'unresolved' then
    redis.call('SET', KEYS[k+1], ARGV[a])
    redis.call('SET', KEYS[k], 'linked')
  end
  a = a + 1
  k = k + 2
end
return 1
`)
)

// RedisStore implements Store over a shared Redis instance.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore wraps an existing client and verifies the schema version,
// stamping it on first use.
func NewRedisStore(ctx context.Context, client *redis.Client) (*RedisStore, error) {
	s := &RedisStore{
		client: client,
		logger: log.WithComponent("storage.redis"),
	}

	if err := client.SetNX(ctx, keyVersion, SchemaVersion, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to stamp store version: %w", err)
	}
	version, err := client.Get(ctx, keyVersion).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read store version: %w", err)
	}
	if version != SchemaVersion {
		return nil, fmt.Errorf("%w: store has %q, binary wants %q", ErrVersionMismatch, version, SchemaVersion)
	}
	return s, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// PutFunsie stores a funsie record, write-once.
func (s *RedisStore) PutFunsie(ctx context.Context, h types.Hash, f *types.Funsie) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode funsie: %w", err)
	}
	set, err := s.client.SetNX(ctx, keyFunsie(h), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to write funsie %s: %w", h.Short(), err)
	}
	if !set {
		existing, err := s.client.Get(ctx, keyFunsie(h)).Bytes()
		if err != nil {
			return fmt.Errorf("failed to re-read funsie %s: %w", h.Short(), err)
		}
		if string(existing) != string(data) {
			return fmt.Errorf("%w: funsie %s", ErrHashCollision, h)
		}
	}
	return nil
}

// GetFunsie reads a funsie record.
func (s *RedisStore) GetFunsie(ctx context.Context, h types.Hash) (*types.Funsie, error) {
	var f types.Funsie
	if err := s.getJSON(ctx, keyFunsie(h), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// PutConstArtifact stores a user-provided artifact with its bytes, already
// ready. Idempotent; conflicting bytes under the same hash are fatal.
func (s *RedisStore) PutConstArtifact(ctx context.Context, a *types.Artifact, data []byte) error {
	meta, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	keys := []string{
		keyArt(a.Hash),
		keyArtData(a.Hash),
		keyArtStatus(a.Hash),
		keyArtProd(a.Hash),
		keyContent(a.Hash),
		keyArtsIndex,
	}
	res, err := putConstScript.Run(ctx, s.client, keys, meta, data, a.Hash.String()).Int()
	if err != nil {
		return fmt.Errorf("failed to write const artifact %s: %w", a.Hash.Short(), err)
	}
	if res < 0 {
		return fmt.Errorf("%w: artifact %s", ErrHashCollision, a.Hash)
	}
	return nil
}

// GetArtifact reads artifact metadata.
func (s *RedisStore) GetArtifact(ctx context.Context, h types.Hash) (*types.Artifact, error) {
	var a types.Artifact
	if err := s.getJSON(ctx, keyArt(h), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetArtifactData reads artifact bytes; only present while status is ready.
func (s *RedisStore) GetArtifactData(ctx context.Context, h types.Hash) ([]byte, error) {
	data, err := s.client.Get(ctx, keyArtData(h)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact data %s: %w", h.Short(), err)
	}
	return data, nil
}

// ArtifactStatus reads the status byte of an artifact.
func (s *RedisStore) ArtifactStatus(ctx context.Context, h types.Hash) (types.ArtifactStatus, error) {
	v, err := s.client.Get(ctx, keyArtStatus(h)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read artifact status %s: %w", h.Short(), err)
	}
	return types.ArtifactStatus(v), nil
}

// ArtifactError reads the stored error record of an errored artifact.
func (s *RedisStore) ArtifactError(ctx context.Context, h types.Hash) (*types.ErrorRecord, error) {
	var rec types.ErrorRecord
	if err := s.getJSON(ctx, keyArtErr(h), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ResolveLink follows linked redirects to the artifact actually holding the
// terminal state.
func (s *RedisStore) ResolveLink(ctx context.Context, h types.Hash) (types.Hash, error) {
	cur := h
	for depth := 0; depth < maxLinkDepth; depth++ {
		status, err := s.ArtifactStatus(ctx, cur)
		if err != nil {
			return types.Hash{}, err
		}
		if status != types.StatusLinked {
			return cur, nil
		}
		target, err := s.client.Get(ctx, keyArtLink(cur)).Result()
		if errors.Is(err, redis.Nil) {
			return types.Hash{}, fmt.Errorf("linked artifact %s has no redirect target", cur.Short())
		}
		if err != nil {
			return types.Hash{}, fmt.Errorf("failed to read link %s: %w", cur.Short(), err)
		}
		cur, err = types.ParseHash(target)
		if err != nil {
			return types.Hash{}, err
		}
	}
	return types.Hash{}, fmt.Errorf("link chain from %s exceeds %d hops", h.Short(), maxLinkDepth)
}

// PutOperation atomically creates the operation, its unresolved outputs and
// the dependency indexes.
func (s *RedisStore) PutOperation(ctx context.Context, op *types.Operation, outputs []*types.Artifact) (bool, error) {
	opJSON, err := json.Marshal(op)
	if err != nil {
		return false, fmt.Errorf("failed to encode operation: %w", err)
	}

	keys := []string{keyOp(op.Hash), keyOpStatus(op.Hash), keyOpDeps(op.Hash), keyOpsIndex, keyArtsIndex}
	argv := []any{string(opJSON), op.Hash.String(), len(outputs), len(op.Inputs)}

	for _, out := range outputs {
		meta, err := json.Marshal(out)
		if err != nil {
			return false, fmt.Errorf("failed to encode output artifact: %w", err)
		}
		keys = append(keys, keyArt(out.Hash), keyArtStatus(out.Hash), keyArtProd(out.Hash))
		argv = append(argv, string(meta), out.Hash.String())
	}
	for _, in := range sortedBindings(op.Inputs) {
		keys = append(keys, keyArtCons(in))
		argv = append(argv, in.String())
	}

	res, err := putOpScript.Run(ctx, s.client, keys, argv...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to write operation %s: %w", op.Hash.Short(), err)
	}
	return res == 1, nil
}

// GetOperation reads an operation record.
func (s *RedisStore) GetOperation(ctx context.Context, h types.Hash) (*types.Operation, error) {
	var op types.Operation
	if err := s.getJSON(ctx, keyOp(h), &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// OpStatus reads the status of an operation.
func (s *RedisStore) OpStatus(ctx context.Context, h types.Hash) (types.OpStatus, error) {
	v, err := s.client.Get(ctx, keyOpStatus(h)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read op status %s: %w", h.Short(), err)
	}
	return types.OpStatus(v), nil
}

// ClaimOp contends for execution of a pending operation.
func (s *RedisStore) ClaimOp(ctx context.Context, h types.Hash) (bool, error) {
	keys := []string{keyOpStatus(h), keyOpBeat(h), keyRunning}
	res, err := claimScript.Run(ctx, s.client, keys, time.Now().UnixNano(), h.String()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim op %s: %w", h.Short(), err)
	}
	return res == 1, nil
}

// HeartbeatOp stamps liveness of a running operation.
func (s *RedisStore) HeartbeatOp(ctx context.Context, h types.Hash) error {
	if err := s.client.Set(ctx, keyOpBeat(h), time.Now().UnixNano(), 0).Err(); err != nil {
		return fmt.Errorf("failed to heartbeat op %s: %w", h.Short(), err)
	}
	return nil
}

// CommitOp performs the atomic terminal step and wakes waiters.
func (s *RedisStore) CommitOp(ctx context.Context, c *Commit) error {
	keys := []string{keyOpStatus(c.Op), keyRunning}
	argv := []any{c.Op.String(), string(c.Status), len(c.Outputs)}

	for _, out := range c.Outputs {
		var errJSON []byte
		if out.Err != nil {
			var err error
			errJSON, err = json.Marshal(out.Err)
			if err != nil {
				return fmt.Errorf("failed to encode error record: %w", err)
			}
		}
		keys = append(keys,
			keyArtStatus(out.Artifact),
			keyArtData(out.Artifact),
			keyArtErr(out.Artifact),
			keyArtLink(out.Artifact),
			keyContent(out.Content),
		)
		argv = append(argv, out.Artifact.String(), string(out.Status), string(out.Data), string(errJSON))
	}

	if _, err := commitScript.Run(ctx, s.client, keys, argv...).Int(); err != nil {
		return fmt.Errorf("failed to commit op %s: %w", c.Op.Short(), err)
	}
	return s.PublishWake(ctx)
}

// StaleOps lists running operations whose heartbeat predates the cutoff.
func (s *RedisStore) StaleOps(ctx context.Context, cutoff time.Time) ([]types.Hash, error) {
	members, err := s.client.SMembers(ctx, keyRunning).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list running ops: %w", err)
	}

	var stale []types.Hash
	for _, m := range members {
		h, err := types.ParseHash(m)
		if err != nil {
			continue
		}
		beat, err := s.client.Get(ctx, keyOpBeat(h)).Result()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, h)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read heartbeat for %s: %w", h.Short(), err)
		}
		nanos, err := strconv.ParseInt(beat, 10, 64)
		if err != nil || nanos < cutoff.UnixNano() {
			stale = append(stale, h)
		}
	}
	return stale, nil
}

// ResetOp returns a stale running operation to pending for reclaim.
func (s *RedisStore) ResetOp(ctx context.Context, h types.Hash) (bool, error) {
	keys := []string{keyOpStatus(h), keyOpBeat(h), keyRunning}
	res, err := resetScript.Run(ctx, s.client, keys, h.String()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to reset op %s: %w", h.Short(), err)
	}
	return res == 1, nil
}

// AttachSubdag writes the link table and rebinds the parent's declared
// outputs onto the generated artifacts.
func (s *RedisStore) AttachSubdag(ctx context.Context, parent types.Hash, att *SubdagAttachment) error {
	keys := []string{keyOpSubdag(parent)}
	argv := []any{len(att.Ops), len(att.Redirects)}
	for _, op := range att.Ops {
		argv = append(argv, op.String())
	}
	for _, declared := range sortedRedirects(att.Redirects) {
		keys = append(keys, keyArtStatus(declared), keyArtLink(declared))
		argv = append(argv, att.Redirects[declared].String())
	}

	if _, err := attachScript.Run(ctx, s.client, keys, argv...).Int(); err != nil {
		return fmt.Errorf("failed to attach subdag to %s: %w", parent.Short(), err)
	}
	return nil
}

// SubdagOps lists the operations a subdag generated.
func (s *RedisStore) SubdagOps(ctx context.Context, parent types.Hash) ([]types.Hash, error) {
	return s.readHashSet(ctx, keyOpSubdag(parent))
}

// Producer returns the operation producing an artifact.
func (s *RedisStore) Producer(ctx context.Context, art types.Hash) (types.Hash, bool, error) {
	v, err := s.client.Get(ctx, keyArtProd(art)).Result()
	if errors.Is(err, redis.Nil) {
		return types.Hash{}, false, ErrNotFound
	}
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("failed to read producer of %s: %w", art.Short(), err)
	}
	if v == prodConst {
		return types.Hash{}, true, nil
	}
	h, err := types.ParseHash(v)
	if err != nil {
		return types.Hash{}, false, err
	}
	return h, false, nil
}

// Consumers lists operations consuming an artifact.
func (s *RedisStore) Consumers(ctx context.Context, art types.Hash) ([]types.Hash, error) {
	return s.readHashSet(ctx, keyArtCons(art))
}

// OpInputs lists the artifacts an operation consumes.
func (s *RedisStore) OpInputs(ctx context.Context, op types.Hash) ([]types.Hash, error) {
	return s.readHashSet(ctx, keyOpDeps(op))
}

// ListOperations enumerates all operation hashes.
func (s *RedisStore) ListOperations(ctx context.Context) ([]types.Hash, error) {
	return s.readHashSet(ctx, keyOpsIndex)
}

// ListArtifacts enumerates all artifact hashes.
func (s *RedisStore) ListArtifacts(ctx context.Context) ([]types.Hash, error) {
	return s.readHashSet(ctx, keyArtsIndex)
}

// FindByPrefix resolves a hex hash prefix to a unique artifact or operation.
func (s *RedisStore) FindByPrefix(ctx context.Context, prefix string) (types.Hash, error) {
	p, err := hash.NormalizePrefix(prefix)
	if err != nil {
		return types.Hash{}, err
	}

	var matches []types.Hash
	for _, index := range []string{keyArtsIndex, keyOpsIndex} {
		iter := s.client.SScan(ctx, index, 0, p+"*", 0).Iterator()
		for iter.Next(ctx) {
			h, err := types.ParseHash(iter.Val())
			if err != nil {
				continue
			}
			matches = append(matches, h)
			if len(matches) > 1 {
				return types.Hash{}, fmt.Errorf("%w: %q", ErrAmbiguousPrefix, prefix)
			}
		}
		if err := iter.Err(); err != nil {
			return types.Hash{}, fmt.Errorf("failed to scan %s: %w", index, err)
		}
	}
	if len(matches) == 0 {
		return types.Hash{}, ErrNotFound
	}
	return matches[0], nil
}

// SubscribeWake delivers a tick after every commit.
func (s *RedisStore) SubscribeWake(ctx context.Context) (<-chan struct{}, func(), error) {
	pubsub := s.client.Subscribe(ctx, channelWake)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to wake channel: %w", err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = pubsub.Close()
	}
	return out, cancel, nil
}

// PublishWake nudges all waiters.
func (s *RedisStore) PublishWake(ctx context.Context) error {
	if err := s.client.Publish(ctx, channelWake, "1").Err(); err != nil {
		return fmt.Errorf("failed to publish wake: %w", err)
	}
	return nil
}

// SubscribeControl delivers drain requests.
func (s *RedisStore) SubscribeControl(ctx context.Context) (<-chan ControlMessage, func(), error) {
	pubsub := s.client.Subscribe(ctx, channelControl)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to control channel: %w", err)
	}

	out := make(chan ControlMessage, 8)
	done := make(chan struct{})
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var cm ControlMessage
				if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
					s.logger.Warn().Err(err).Msg("Dropping malformed control message")
					continue
				}
				select {
				case out <- cm:
				default:
				}
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = pubsub.Close()
	}
	return out, cancel, nil
}

// PublishControl broadcasts a control message to workers.
func (s *RedisStore) PublishControl(ctx context.Context, msg ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}
	if err := s.client.Publish(ctx, channelControl, data).Err(); err != nil {
		return fmt.Errorf("failed to publish control message: %w", err)
	}
	return nil
}

// Version reads the persisted schema version.
func (s *RedisStore) Version(ctx context.Context) (string, error) {
	v, err := s.client.Get(ctx, keyVersion).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read store version: %w", err)
	}
	return v, nil
}

func (s *RedisStore) readHashSet(ctx context.Context, key string) ([]types.Hash, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read set %s: %w", key, err)
	}
	hashes := make([]types.Hash, 0, len(members))
	for _, m := range members {
		h, err := types.ParseHash(m)
		if err != nil {
			return nil, fmt.Errorf("corrupt member in %s: %w", key, err)
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}
