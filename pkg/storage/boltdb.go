package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tessellate-io/loom/pkg/events"
	"github.com/tessellate-io/loom/pkg/hash"
	"github.com/tessellate-io/loom/pkg/types"
)

var (
	// Bucket names
	bucketFunsies   = []byte("funsies")
	bucketOps       = []byte("ops")
	bucketOpStatus  = []byte("op_status")
	bucketOpBeat    = []byte("op_beat")
	bucketOpDeps    = []byte("op_deps")
	bucketOpSubdag  = []byte("op_subdag")
	bucketArts      = []byte("artifacts")
	bucketArtData   = []byte("art_data")
	bucketArtStatus = []byte("art_status")
	bucketArtErr    = []byte("art_err")
	bucketArtLink   = []byte("art_link")
	bucketArtProd   = []byte("art_prod")
	bucketArtCons   = []byte("art_cons")
	bucketContent   = []byte("content")
	bucketRunning   = []byte("running")
	bucketMeta      = []byte("meta")
)

var metaVersionKey = []byte("version")

// BoltStore implements Store on an embedded BoltDB file. It serves the
// single-process mode: one binary hosting the workflow, the executor and a
// worker pool, with an in-process broker standing in for pub/sub. BoltDB's
// serialized write transactions provide the atomicity the Redis backend
// gets from Lua scripts.
type BoltStore struct {
	db     *bolt.DB
	broker *events.Broker
}

// NewBoltStore opens (or creates) the store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "loom.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketFunsies, bucketOps, bucketOpStatus, bucketOpBeat,
			bucketOpDeps, bucketOpSubdag, bucketArts, bucketArtData,
			bucketArtStatus, bucketArtErr, bucketArtLink, bucketArtProd,
			bucketArtCons, bucketContent, bucketRunning, bucketMeta,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(metaVersionKey); v == nil {
			return meta.Put(metaVersionKey, []byte(SchemaVersion))
		} else if string(v) != SchemaVersion {
			return fmt.Errorf("%w: store has %q, binary wants %q", ErrVersionMismatch, string(v), SchemaVersion)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()
	return &BoltStore{db: db, broker: broker}, nil
}

// Close closes the database and stops the broker.
func (s *BoltStore) Close() error {
	s.broker.Stop()
	return s.db.Close()
}

func hkey(h types.Hash) []byte { return []byte(h.String()) }

func getJSONBucket(tx *bolt.Tx, bucket []byte, key []byte, v any) error {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func readStringSet(tx *bolt.Tx, bucket []byte, key []byte) ([]string, error) {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return nil, nil
	}
	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("corrupt set %s/%s: %w", bucket, key, err)
	}
	return members, nil
}

func addToStringSet(tx *bolt.Tx, bucket []byte, key []byte, values ...string) error {
	members, err := readStringSet(tx, bucket, key)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(members))
	for _, m := range members {
		present[m] = true
	}
	for _, v := range values {
		if !present[v] {
			members = append(members, v)
			present[v] = true
		}
	}
	data, err := json.Marshal(members)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

// PutFunsie stores a funsie record, write-once.
func (s *BoltStore) PutFunsie(ctx context.Context, h types.Hash, f *types.Funsie) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode funsie: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFunsies)
		if existing := b.Get(hkey(h)); existing != nil {
			if !bytes.Equal(existing, data) {
				return fmt.Errorf("%w: funsie %s", ErrHashCollision, h)
			}
			return nil
		}
		return b.Put(hkey(h), data)
	})
}

// GetFunsie reads a funsie record.
func (s *BoltStore) GetFunsie(ctx context.Context, h types.Hash) (*types.Funsie, error) {
	var f types.Funsie
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSONBucket(tx, bucketFunsies, hkey(h), &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// PutConstArtifact stores a user-provided artifact, already ready.
func (s *BoltStore) PutConstArtifact(ctx context.Context, a *types.Artifact, data []byte) error {
	meta, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		k := hkey(a.Hash)
		if tx.Bucket(bucketArts).Get(k) != nil {
			if !bytes.Equal(tx.Bucket(bucketArtData).Get(k), data) {
				return fmt.Errorf("%w: artifact %s", ErrHashCollision, a.Hash)
			}
			return nil
		}
		if err := tx.Bucket(bucketArts).Put(k, meta); err != nil {
			return err
		}
		if err := tx.Bucket(bucketArtData).Put(k, data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketArtStatus).Put(k, []byte(types.StatusReady)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketArtProd).Put(k, []byte(prodConst)); err != nil {
			return err
		}
		if tx.Bucket(bucketContent).Get(k) == nil {
			if err := tx.Bucket(bucketContent).Put(k, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetArtifact reads artifact metadata.
func (s *BoltStore) GetArtifact(ctx context.Context, h types.Hash) (*types.Artifact, error) {
	var a types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSONBucket(tx, bucketArts, hkey(h), &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetArtifactData reads artifact bytes.
func (s *BoltStore) GetArtifactData(ctx context.Context, h types.Hash) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketArtData).Get(hkey(h))
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ArtifactStatus reads the status byte of an artifact.
func (s *BoltStore) ArtifactStatus(ctx context.Context, h types.Hash) (types.ArtifactStatus, error) {
	var status types.ArtifactStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketArtStatus).Get(hkey(h))
		if v == nil {
			return ErrNotFound
		}
		status = types.ArtifactStatus(v)
		return nil
	})
	return status, err
}

// ArtifactError reads the stored error record of an errored artifact.
func (s *BoltStore) ArtifactError(ctx context.Context, h types.Hash) (*types.ErrorRecord, error) {
	var rec types.ErrorRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSONBucket(tx, bucketArtErr, hkey(h), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ResolveLink follows linked redirects to the terminal artifact.
func (s *BoltStore) ResolveLink(ctx context.Context, h types.Hash) (types.Hash, error) {
	cur := h
	var out types.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		for depth := 0; depth < maxLinkDepth; depth++ {
			status := tx.Bucket(bucketArtStatus).Get(hkey(cur))
			if status == nil {
				return ErrNotFound
			}
			if types.ArtifactStatus(status) != types.StatusLinked {
				out = cur
				return nil
			}
			target := tx.Bucket(bucketArtLink).Get(hkey(cur))
			if target == nil {
				return fmt.Errorf("linked artifact %s has no redirect target", cur.Short())
			}
			parsed, err := types.ParseHash(string(target))
			if err != nil {
				return err
			}
			cur = parsed
		}
		return fmt.Errorf("link chain from %s exceeds %d hops", h.Short(), maxLinkDepth)
	})
	return out, err
}

// PutOperation atomically creates the operation, its unresolved outputs and
// the dependency indexes.
func (s *BoltStore) PutOperation(ctx context.Context, op *types.Operation, outputs []*types.Artifact) (bool, error) {
	opJSON, err := json.Marshal(op)
	if err != nil {
		return false, fmt.Errorf("failed to encode operation: %w", err)
	}

	created := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		k := hkey(op.Hash)
		if tx.Bucket(bucketOps).Get(k) != nil {
			return nil
		}
		created = true

		if err := tx.Bucket(bucketOps).Put(k, opJSON); err != nil {
			return err
		}
		if err := tx.Bucket(bucketOpStatus).Put(k, []byte(types.OpPending)); err != nil {
			return err
		}

		for _, out := range outputs {
			meta, err := json.Marshal(out)
			if err != nil {
				return fmt.Errorf("failed to encode output artifact: %w", err)
			}
			ok := hkey(out.Hash)
			if tx.Bucket(bucketArts).Get(ok) == nil {
				if err := tx.Bucket(bucketArts).Put(ok, meta); err != nil {
					return err
				}
				if err := tx.Bucket(bucketArtStatus).Put(ok, []byte(types.StatusUnresolved)); err != nil {
					return err
				}
			}
			if err := tx.Bucket(bucketArtProd).Put(ok, k); err != nil {
				return err
			}
		}

		deps := make([]string, 0, len(op.Inputs))
		for _, in := range sortedBindings(op.Inputs) {
			deps = append(deps, in.String())
			if err := addToStringSet(tx, bucketArtCons, hkey(in), op.Hash.String()); err != nil {
				return err
			}
		}
		return addToStringSet(tx, bucketOpDeps, k, deps...)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// GetOperation reads an operation record.
func (s *BoltStore) GetOperation(ctx context.Context, h types.Hash) (*types.Operation, error) {
	var op types.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSONBucket(tx, bucketOps, hkey(h), &op)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// OpStatus reads the status of an operation.
func (s *BoltStore) OpStatus(ctx context.Context, h types.Hash) (types.OpStatus, error) {
	var status types.OpStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketOpStatus).Get(hkey(h))
		if v == nil {
			return ErrNotFound
		}
		status = types.OpStatus(v)
		return nil
	})
	return status, err
}

func beatBytes(t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano()))
	return b[:]
}

// ClaimOp contends for execution of a pending operation.
func (s *BoltStore) ClaimOp(ctx context.Context, h types.Hash) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		k := hkey(h)
		if types.OpStatus(tx.Bucket(bucketOpStatus).Get(k)) != types.OpPending {
			return nil
		}
		claimed = true
		if err := tx.Bucket(bucketOpStatus).Put(k, []byte(types.OpRunning)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketOpBeat).Put(k, beatBytes(time.Now())); err != nil {
			return err
		}
		return tx.Bucket(bucketRunning).Put(k, []byte{1})
	})
	return claimed, err
}

// HeartbeatOp stamps liveness of a running operation.
func (s *BoltStore) HeartbeatOp(ctx context.Context, h types.Hash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOpBeat).Put(hkey(h), beatBytes(time.Now()))
	})
}

// CommitOp performs the atomic terminal step and wakes waiters.
func (s *BoltStore) CommitOp(ctx context.Context, c *Commit) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		k := hkey(c.Op)
		status := types.OpStatus(tx.Bucket(bucketOpStatus).Get(k))
		if status != types.OpRunning && status != types.OpPending {
			return nil
		}
		if err := tx.Bucket(bucketOpStatus).Put(k, []byte(c.Status)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRunning).Delete(k); err != nil {
			return err
		}

		for _, out := range c.Outputs {
			ok := hkey(out.Artifact)
			if types.ArtifactStatus(tx.Bucket(bucketArtStatus).Get(ok)) != types.StatusUnresolved {
				continue
			}
			if out.Status == types.StatusReady {
				ck := hkey(out.Content)
				existing := tx.Bucket(bucketContent).Get(ck)
				if existing != nil && !bytes.Equal(existing, ok) {
					if err := tx.Bucket(bucketArtLink).Put(ok, existing); err != nil {
						return err
					}
					if err := tx.Bucket(bucketArtStatus).Put(ok, []byte(types.StatusLinked)); err != nil {
						return err
					}
					continue
				}
				if err := tx.Bucket(bucketArtData).Put(ok, out.Data); err != nil {
					return err
				}
				if err := tx.Bucket(bucketArtStatus).Put(ok, []byte(types.StatusReady)); err != nil {
					return err
				}
				if existing == nil {
					if err := tx.Bucket(bucketContent).Put(ck, ok); err != nil {
						return err
					}
				}
			} else {
				errJSON, err := json.Marshal(out.Err)
				if err != nil {
					return fmt.Errorf("failed to encode error record: %w", err)
				}
				if err := tx.Bucket(bucketArtErr).Put(ok, errJSON); err != nil {
					return err
				}
				if err := tx.Bucket(bucketArtStatus).Put(ok, []byte(types.StatusError)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.PublishWake(ctx)
}

// StaleOps lists running operations whose heartbeat predates the cutoff.
func (s *BoltStore) StaleOps(ctx context.Context, cutoff time.Time) ([]types.Hash, error) {
	var stale []types.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunning).ForEach(func(k, _ []byte) error {
			h, err := types.ParseHash(string(k))
			if err != nil {
				return nil
			}
			beat := tx.Bucket(bucketOpBeat).Get(k)
			if beat == nil || int64(binary.BigEndian.Uint64(beat)) < cutoff.UnixNano() {
				stale = append(stale, h)
			}
			return nil
		})
	})
	return stale, err
}

// ResetOp returns a stale running operation to pending for reclaim.
func (s *BoltStore) ResetOp(ctx context.Context, h types.Hash) (bool, error) {
	reset := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		k := hkey(h)
		if types.OpStatus(tx.Bucket(bucketOpStatus).Get(k)) != types.OpRunning {
			return nil
		}
		reset = true
		if err := tx.Bucket(bucketOpStatus).Put(k, []byte(types.OpPending)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketOpBeat).Delete(k); err != nil {
			return err
		}
		return tx.Bucket(bucketRunning).Delete(k)
	})
	return reset, err
}

// AttachSubdag writes the link table and rebinds the parent's declared
// outputs onto the generated artifacts.
func (s *BoltStore) AttachSubdag(ctx context.Context, parent types.Hash, att *SubdagAttachment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ops := make([]string, 0, len(att.Ops))
		for _, op := range att.Ops {
			ops = append(ops, op.String())
		}
		if err := addToStringSet(tx, bucketOpSubdag, hkey(parent), ops...); err != nil {
			return err
		}

		for _, declared := range sortedRedirects(att.Redirects) {
			dk := hkey(declared)
			if types.ArtifactStatus(tx.Bucket(bucketArtStatus).Get(dk)) != types.StatusUnresolved {
				continue
			}
			if err := tx.Bucket(bucketArtLink).Put(dk, hkey(att.Redirects[declared])); err != nil {
				return err
			}
			if err := tx.Bucket(bucketArtStatus).Put(dk, []byte(types.StatusLinked)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SubdagOps lists the operations a subdag generated.
func (s *BoltStore) SubdagOps(ctx context.Context, parent types.Hash) ([]types.Hash, error) {
	return s.readHashSet(bucketOpSubdag, parent)
}

// Producer returns the operation producing an artifact.
func (s *BoltStore) Producer(ctx context.Context, art types.Hash) (types.Hash, bool, error) {
	var (
		op      types.Hash
		isConst bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketArtProd).Get(hkey(art))
		if v == nil {
			return ErrNotFound
		}
		if string(v) == prodConst {
			isConst = true
			return nil
		}
		parsed, err := types.ParseHash(string(v))
		if err != nil {
			return err
		}
		op = parsed
		return nil
	})
	return op, isConst, err
}

// Consumers lists operations consuming an artifact.
func (s *BoltStore) Consumers(ctx context.Context, art types.Hash) ([]types.Hash, error) {
	return s.readHashSet(bucketArtCons, art)
}

// OpInputs lists the artifacts an operation consumes.
func (s *BoltStore) OpInputs(ctx context.Context, op types.Hash) ([]types.Hash, error) {
	return s.readHashSet(bucketOpDeps, op)
}

// ListOperations enumerates all operation hashes.
func (s *BoltStore) ListOperations(ctx context.Context) ([]types.Hash, error) {
	return s.listBucketKeys(bucketOps)
}

// ListArtifacts enumerates all artifact hashes.
func (s *BoltStore) ListArtifacts(ctx context.Context) ([]types.Hash, error) {
	return s.listBucketKeys(bucketArts)
}

// FindByPrefix resolves a hex hash prefix to a unique artifact or operation.
func (s *BoltStore) FindByPrefix(ctx context.Context, prefix string) (types.Hash, error) {
	p, err := hash.NormalizePrefix(prefix)
	if err != nil {
		return types.Hash{}, err
	}

	var matches []types.Hash
	err = s.db.View(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketArts, bucketOps} {
			c := tx.Bucket(bucket).Cursor()
			for k, _ := c.Seek([]byte(p)); k != nil && strings.HasPrefix(string(k), p); k, _ = c.Next() {
				h, err := types.ParseHash(string(k))
				if err != nil {
					continue
				}
				matches = append(matches, h)
				if len(matches) > 1 {
					return fmt.Errorf("%w: %q", ErrAmbiguousPrefix, prefix)
				}
			}
		}
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	if len(matches) == 0 {
		return types.Hash{}, ErrNotFound
	}
	return matches[0], nil
}

// SubscribeWake delivers a tick after every commit.
func (s *BoltStore) SubscribeWake(ctx context.Context) (<-chan struct{}, func(), error) {
	sub := s.broker.Subscribe()
	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Type != events.EventOpCommitted {
					continue
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
		s.broker.Unsubscribe(sub)
	}
	return out, cancel, nil
}

// PublishWake nudges all waiters.
func (s *BoltStore) PublishWake(ctx context.Context) error {
	s.broker.Publish(&events.Event{Type: events.EventOpCommitted})
	return nil
}

// SubscribeControl delivers drain requests.
func (s *BoltStore) SubscribeControl(ctx context.Context) (<-chan ControlMessage, func(), error) {
	sub := s.broker.Subscribe()
	out := make(chan ControlMessage, 8)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Type != events.EventDrain {
					continue
				}
				var cm ControlMessage
				if err := json.Unmarshal([]byte(ev.Payload), &cm); err != nil {
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
		s.broker.Unsubscribe(sub)
	}
	return out, cancel, nil
}

// PublishControl broadcasts a control message to in-process workers.
func (s *BoltStore) PublishControl(ctx context.Context, msg ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}
	s.broker.Publish(&events.Event{Type: events.EventDrain, Payload: string(data)})
	return nil
}

// Version reads the persisted schema version.
func (s *BoltStore) Version(ctx context.Context) (string, error) {
	var version string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(metaVersionKey)
		if v == nil {
			return ErrNotFound
		}
		version = string(v)
		return nil
	})
	return version, err
}

func (s *BoltStore) readHashSet(bucket []byte, key types.Hash) ([]types.Hash, error) {
	var hashes []types.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		members, err := readStringSet(tx, bucket, hkey(key))
		if err != nil {
			return err
		}
		for _, m := range members {
			h, err := types.ParseHash(m)
			if err != nil {
				return fmt.Errorf("corrupt member in %s: %w", bucket, err)
			}
			hashes = append(hashes, h)
		}
		return nil
	})
	return hashes, err
}

func (s *BoltStore) listBucketKeys(bucket []byte) ([]types.Hash, error) {
	var hashes []types.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			h, err := types.ParseHash(string(k))
			if err != nil {
				return nil
			}
			hashes = append(hashes, h)
			return nil
		})
	})
	return hashes, err
}
