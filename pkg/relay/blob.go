package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"remscope/pkg/indi"
)

// Fragment encodings.
const (
	encodingRaw  = "raw"
	encodingZstd = "zstd"
)

// Fragment is the JSON envelope for one piece of a BLOB transfer. All
// fragments of a transfer share the digest of the uncompressed payload,
// which doubles as the reassembly key; indices run contiguously from zero.
type Fragment struct {
	Device   string `json:"device"`
	Property string `json:"property"`
	Element  string `json:"element"`
	Format   string `json:"format,omitempty"`
	Session  string `json:"session"`
	Seq      uint64 `json:"seq"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
	Final    bool   `json:"final"`
	Size     int    `json:"size"`
	Encoding string `json:"encoding"`
	Digest   string `json:"digest"`
	Data     []byte `json:"data"`
}

// zstdEncoder and zstdDecoder are reused across calls; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic("relay: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("relay: zstd decoder initialization failed: " + err.Error())
	}
}

// fragmentBlob splits a BLOB message into ordered fragments of at most
// chunk payload bytes. The payload is zstd-compressed first when that
// makes it smaller. The split is deterministic for a given payload.
func fragmentBlob(m *indi.Message, session string, chunk int, compress bool) ([]Fragment, error) {
	if m.Blob == nil {
		return nil, fmt.Errorf("message %s/%s carries no BLOB", m.Device, m.Property)
	}
	if chunk <= 0 {
		return nil, fmt.Errorf("fragment size %d is not positive", chunk)
	}

	data := m.Blob.Data
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	payload := data
	encoding := encodingRaw
	if compress && len(data) > 0 {
		if c := zstdEncoder.EncodeAll(data, nil); len(c) < len(data) {
			payload = c
			encoding = encodingZstd
		}
	}

	total := (len(payload) + chunk - 1) / chunk
	if total == 0 {
		// Empty BLOBs still announce themselves with one fragment.
		total = 1
	}

	frags := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		lo := i * chunk
		hi := lo + chunk
		if hi > len(payload) {
			hi = len(payload)
		}
		frags = append(frags, Fragment{
			Device:   m.Device,
			Property: m.Property,
			Element:  m.Blob.Name,
			Format:   m.Blob.Format,
			Session:  session,
			Seq:      m.Seq,
			Index:    i,
			Total:    total,
			Final:    i == total-1,
			Size:     len(data),
			Encoding: encoding,
			Digest:   digest,
			Data:     payload[lo:hi],
		})
	}
	return frags, nil
}

// Reassemble reverses fragmentBlob. It expects the complete fragment set
// of one transfer in index order and verifies the digest.
func Reassemble(frags []Fragment) ([]byte, error) {
	if len(frags) == 0 {
		return nil, fmt.Errorf("no fragments")
	}
	first := frags[0]
	if len(frags) != first.Total {
		return nil, fmt.Errorf("have %d of %d fragments", len(frags), first.Total)
	}

	var payload []byte
	for i, f := range frags {
		if f.Index != i {
			return nil, fmt.Errorf("fragment %d out of order (index %d)", i, f.Index)
		}
		if f.Digest != first.Digest {
			return nil, fmt.Errorf("fragment %d belongs to a different transfer", i)
		}
		payload = append(payload, f.Data...)
	}

	data := payload
	if first.Encoding == encodingZstd {
		var err error
		data, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress BLOB: %v", err)
		}
	}

	if len(data) != first.Size {
		return nil, fmt.Errorf("reassembled %d bytes, expected %d", len(data), first.Size)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != first.Digest {
		return nil, fmt.Errorf("BLOB digest mismatch")
	}
	return data, nil
}
