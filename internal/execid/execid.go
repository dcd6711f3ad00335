// Package execid mints execution ids and snapshot tags.
//
// Execution ids are time-ordered (RFC 4122 version 1) UUIDs with a
// randomised node component, so the sequence in which executions were
// accepted is recoverable from the id without disclosing the
// controller's MAC address — the same property the original Python
// controller gets from uuid.uuid1(node=random_node).
package execid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var initOnce sync.Once

// ensureRandomNode randomises the UUID v1 node id once per process, matching
// get_command_uuid's "don't disclose the physical address" comment in
// the original controller.
func ensureRandomNode() {
	initOnce.Do(func() {
		node := make([]byte, 6)
		if _, err := rand.Read(node); err != nil {
			// crypto/rand failing is fatal for the whole process anyway;
			// the zero node id is still better than panicking here.
			return
		}
		// Set the multicast bit, as the original code does by OR-ing
		// with 0x010000000000: this marks the node id as "not a real
		// MAC address" per RFC 4122.
		node[0] |= 0x01
		uuid.SetNodeID(node)
	})
}

// New mints a new execution id.
func New() string {
	ensureRandomNode()
	id, err := uuid.NewUUID()
	if err != nil {
		// NewUUID only fails if the clock sequence can't be read; fall
		// back to a random v4 id rather than returning an error from
		// every call site that expects execution ids to always succeed.
		return uuid.NewString()
	}
	return id.String()
}

// Tag deterministically derives a snapshot tag from submission
// metadata and a digest of the build context bytes.
//
// Hashing metadata alone would let two different build contexts
// submitted with identical {user, project} alias the same tag; binding
// the content digest too means identical metadata with different
// context never collides.
func Tag(metadataJSON string, contextDigest [32]byte) string {
	h := sha256.New()
	h.Write([]byte(metadataJSON))
	h.Write(contextDigest[:])
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:32]
}

// Digest is a running sha256 accumulator fed through Write (e.g. from
// an io.TeeReader); callers feed it while streaming a build context
// into the image builder, and read the digest once the stream is
// exhausted.
type Digest struct {
	h    [32]byte
	hash interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
		Reset()
	}
}

// NewDigest returns a running sha256 digest accumulator.
func NewDigest() *Digest {
	return &Digest{hash: sha256.New()}
}

func (d *Digest) Write(p []byte) (int, error) { return d.hash.Write(p) }

func (d *Digest) Sum() [32]byte {
	var out [32]byte
	copy(out[:], d.hash.Sum(nil))
	return out
}

// MarshalMetadata canonicalizes {user, project} into a stable JSON
// string suitable for tag derivation and logging.
func MarshalMetadata(user, project string) (string, error) {
	b, err := json.Marshal(struct {
		User    string `json:"user"`
		Project string `json:"project"`
	}{User: user, Project: project})
	if err != nil {
		return "", fmt.Errorf("marshal snapshot metadata: %w", err)
	}
	return string(b), nil
}
