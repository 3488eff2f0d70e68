package agent

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"
)

// RequestID computes the representation-independent hash of a request's
// content map. The protocol derives the message identifier for every request
// kind the same way, which is what lets a read_state poll name the call it
// concerns: the poll embeds this hash as a path label.
//
// Per field: sha256(key) || sha256(encoded value), the concatenations sorted
// bytewise, then hashed together. Blobs and text hash as raw bytes, naturals
// as unsigned LEB128, arrays as the concatenation of their element hashes,
// nested maps recursively.
func RequestID(content map[string]any) ([]byte, error) {
	sum, err := hashOfMap(content)
	if err != nil {
		return nil, err
	}
	return sum[:], nil
}

func hashOfMap(m map[string]any) ([sha256.Size]byte, error) {
	entries := make([][]byte, 0, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		vh, err := hashValue(v)
		if err != nil {
			return [sha256.Size]byte{}, fmt.Errorf("field %q: %w", k, err)
		}
		kh := sha256.Sum256([]byte(k))
		entries = append(entries, append(kh[:], vh[:]...))
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i], entries[j]) < 0 })
	return sha256.Sum256(bytes.Join(entries, nil)), nil
}

func hashValue(v any) ([sha256.Size]byte, error) {
	switch t := v.(type) {
	case []byte:
		return sha256.Sum256(t), nil
	case string:
		return sha256.Sum256([]byte(t)), nil
	case uint64:
		return sha256.Sum256(leb128(t)), nil
	case int64:
		if t < 0 {
			return [sha256.Size]byte{}, fmt.Errorf("negative integer %d not hashable", t)
		}
		return sha256.Sum256(leb128(uint64(t))), nil
	case []any:
		var concat []byte
		for _, el := range t {
			h, err := hashValue(el)
			if err != nil {
				return [sha256.Size]byte{}, err
			}
			concat = append(concat, h[:]...)
		}
		return sha256.Sum256(concat), nil
	case map[string]any:
		return hashOfMap(t)
	default:
		return [sha256.Size]byte{}, fmt.Errorf("unhashable value of type %T", v)
	}
}

// leb128 encodes n as unsigned little-endian base-128.
func leb128(n uint64) []byte {
	out := make([]byte, 0, 10)
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

// readLEB128 decodes an unsigned LEB128 value, e.g. a certificate's
// reject_code leaf. A single byte below 0x80 is its own encoding.
func readLEB128(raw []byte) (uint64, error) {
	var n uint64
	var shift uint
	for i, b := range raw {
		if shift >= 64 {
			return 0, fmt.Errorf("leb128 value overflows uint64")
		}
		n |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			if i != len(raw)-1 {
				return 0, fmt.Errorf("trailing bytes after leb128 terminator")
			}
			return n, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("truncated leb128 value")
}
