package hash

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/tessellate-io/loom/pkg/types"
)

// canonical accumulates the canonical byte form of an entity. The layout is
// the identity contract of the whole system:
//
//   - integers are fixed-width big-endian uint64
//   - strings are length-prefixed UTF-8
//   - sequences are count-prefixed and preserve order
//   - mappings are count-prefixed and serialized in ascending key order
//
// Any change here changes every hash in an existing store.
type canonical struct {
	buf bytes.Buffer
}

func (c *canonical) writeUint(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	c.buf.Write(b[:])
}

func (c *canonical) writeBytes(b []byte) {
	c.writeUint(uint64(len(b)))
	c.buf.Write(b)
}

func (c *canonical) writeString(s string) {
	c.writeBytes([]byte(s))
}

func (c *canonical) writeBool(v bool) {
	if v {
		c.buf.WriteByte(1)
	} else {
		c.buf.WriteByte(0)
	}
}

func (c *canonical) writeHash(h types.Hash) {
	c.buf.Write(h[:])
}

func (c *canonical) writeStrings(ss []string) {
	c.writeUint(uint64(len(ss)))
	for _, s := range ss {
		c.writeString(s)
	}
}

func (c *canonical) writeSlots(slots []types.Slot) {
	c.writeUint(uint64(len(slots)))
	for _, s := range slots {
		c.writeString(s.Name)
		c.writeString(string(s.Encoding))
	}
}

func (c *canonical) writeBindings(m map[string]types.Hash) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c.writeUint(uint64(len(m)))
	for _, k := range keys {
		c.writeString(k)
		c.writeHash(m[k])
	}
}

func (c *canonical) bytes() []byte {
	return c.buf.Bytes()
}
