package agent

import (
	"encoding/base32"
	"encoding/binary"
	"hash/crc32"
	"strings"
)

var principalEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// PrincipalText renders raw principal bytes in the canonical dashed textual
// form, e.g. the management canister (zero bytes) becomes "aaaaa-aa". The
// encoding is base32 over a CRC32 checksum followed by the raw bytes, split
// into dash-separated groups of five.
func PrincipalText(raw []byte) string {
	buf := make([]byte, 4, 4+len(raw))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(raw))
	buf = append(buf, raw...)

	enc := principalEncoding.EncodeToString(buf)
	var sb strings.Builder
	sb.Grow(len(enc) + len(enc)/5)
	for i, r := range enc {
		if i > 0 && i%5 == 0 {
			sb.WriteByte('-')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
