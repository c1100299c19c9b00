// Package codec implements the compressed-blob container used for baselines
// and history snapshots. Three profiles trade speed for ratio and
// portability; decode auto-detects the actual profile so a policy change
// never orphans previously written blobs.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Profile selects the compression trade-off.
type Profile string

// Supported profiles. Fast favors decode speed for read-hot baselines,
// balanced is the default, portable is decodable by ubiquitous tooling.
const (
	ProfileFast     Profile = "fast"     // s2
	ProfileBalanced Profile = "balanced" // zstd
	ProfilePortable Profile = "portable" // gzip
)

// Sentinel errors for the closed failure set.
var (
	ErrCorruptPayload = errors.New("codec: corrupt payload")
	ErrUnknownCodec   = errors.New("codec: unknown codec")
)

// magic identifies the container format. Blobs without it are treated as
// bare legacy streams and sniffed by compression-format magic instead.
var magic = []byte("XLW1")

const maxHeaderLen = 4096

// Header is the structured wrapper carried alongside every payload. It
// allows ratio reporting without re-encoding the blob.
type Header struct {
	Profile      Profile   `json:"profile"`
	OriginalSize int64     `json:"original_size"`
	EncodedAt    time.Time `json:"encoded_at"`
}

// profile byte tags inside the container.
const (
	tagFast     = 0x01
	tagBalanced = 0x02
	tagPortable = 0x03
)

func profileTag(p Profile) (byte, bool) {
	switch p {
	case ProfileFast:
		return tagFast, true
	case ProfileBalanced:
		return tagBalanced, true
	case ProfilePortable:
		return tagPortable, true
	default:
		return 0, false
	}
}

func tagProfile(t byte) (Profile, bool) {
	switch t {
	case tagFast:
		return ProfileFast, true
	case tagBalanced:
		return ProfileBalanced, true
	case tagPortable:
		return ProfilePortable, true
	default:
		return "", false
	}
}

// Ext returns the filename extension for a profile (with leading dot).
func Ext(p Profile) string {
	switch p {
	case ProfileFast:
		return ".s2"
	case ProfilePortable:
		return ".gz"
	default:
		return ".zst"
	}
}

// Extensions lists every extension a reader must accept, newest profile
// first. Used to resolve on-disk files regardless of the writing profile.
func Extensions() []string { return []string{".zst", ".s2", ".gz"} }

// ParseProfile validates a configuration string. The empty string selects
// the balanced default.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case "":
		return ProfileBalanced, nil
	case ProfileFast, ProfileBalanced, ProfilePortable:
		return Profile(s), nil
	default:
		return "", fmt.Errorf("%w: profile %q", ErrUnknownCodec, s)
	}
}

// Encode compresses b under the given profile and wraps it in the container
// (magic, profile tag, header, compressed payload).
func Encode(b []byte, p Profile) ([]byte, error) {
	tag, ok := profileTag(p)
	if !ok {
		return nil, fmt.Errorf("%w: profile %q", ErrUnknownCodec, p)
	}

	hdr, err := json.Marshal(Header{
		Profile:      p,
		OriginalSize: int64(len(b)),
		EncodedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("codec: encoding header: %w", err)
	}

	payload, err := compress(b, p)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(magic) + 1 + binary.MaxVarintLen32 + len(hdr) + len(payload))
	buf.Write(magic)
	buf.WriteByte(tag)

	var lenBuf [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(hdr)))
	buf.Write(lenBuf[:n])
	buf.Write(hdr)
	buf.Write(payload)

	return buf.Bytes(), nil
}

// Decode returns the original bytes of a blob produced by Encode under any
// profile. Bare legacy streams (plain gzip/zstd/s2 without the container)
// are accepted too, sniffed by their own magic.
func Decode(b []byte) ([]byte, error) {
	if hasMagic(b) {
		_, p, payload, err := splitContainer(b)
		if err != nil {
			return nil, err
		}

		return decompress(payload, p)
	}

	p, ok := sniffProfile(b)
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized blob prefix", ErrUnknownCodec)
	}

	return decompress(b, p)
}

// Inspect returns the container header without decompressing the payload.
// Legacy blobs without a container report only the sniffed profile.
func Inspect(b []byte) (Header, error) {
	if hasMagic(b) {
		hdr, _, _, err := splitContainer(b)
		return hdr, err
	}

	p, ok := sniffProfile(b)
	if !ok {
		return Header{}, fmt.Errorf("%w: unrecognized blob prefix", ErrUnknownCodec)
	}

	return Header{Profile: p, OriginalSize: -1}, nil
}

func hasMagic(b []byte) bool {
	return len(b) > len(magic)+1 && bytes.Equal(b[:len(magic)], magic)
}

func splitContainer(b []byte) (Header, Profile, []byte, error) {
	rest := b[len(magic):]

	p, ok := tagProfile(rest[0])
	if !ok {
		return Header{}, "", nil, fmt.Errorf("%w: container tag 0x%02x", ErrUnknownCodec, rest[0])
	}

	rest = rest[1:]

	hdrLen, n := binary.Uvarint(rest)
	if n <= 0 || hdrLen > maxHeaderLen || uint64(len(rest)-n) < hdrLen {
		return Header{}, "", nil, fmt.Errorf("%w: truncated container header", ErrCorruptPayload)
	}

	var hdr Header
	if err := json.Unmarshal(rest[n:n+int(hdrLen)], &hdr); err != nil {
		return Header{}, "", nil, fmt.Errorf("%w: header: %v", ErrCorruptPayload, err)
	}

	return hdr, p, rest[n+int(hdrLen):], nil
}

// sniffProfile recognizes bare compressed streams by their format magic:
// gzip (1f 8b), zstd (28 b5 2f fd), s2/snappy framed (ff 06 00 00).
func sniffProfile(b []byte) (Profile, bool) {
	switch {
	case len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b:
		return ProfilePortable, true
	case len(b) >= 4 && b[0] == 0x28 && b[1] == 0xb5 && b[2] == 0x2f && b[3] == 0xfd:
		return ProfileBalanced, true
	case len(b) >= 4 && b[0] == 0xff && b[1] == 0x06 && b[2] == 0x00 && b[3] == 0x00:
		return ProfileFast, true
	default:
		return "", false
	}
}

func compress(b []byte, p Profile) ([]byte, error) {
	switch p {
	case ProfileFast:
		var buf bytes.Buffer

		w := s2.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, fmt.Errorf("codec: s2 compress: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: s2 close: %w", err)
		}

		return buf.Bytes(), nil

	case ProfileBalanced:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd writer: %w", err)
		}
		defer enc.Close()

		return enc.EncodeAll(b, nil), nil

	case ProfilePortable:
		var buf bytes.Buffer

		w := gzip.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, fmt.Errorf("codec: gzip compress: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: gzip close: %w", err)
		}

		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("%w: profile %q", ErrUnknownCodec, p)
	}
}

func decompress(b []byte, p Profile) ([]byte, error) {
	switch p {
	case ProfileFast:
		r := s2.NewReader(bytes.NewReader(b))

		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: s2: %v", ErrCorruptPayload, err)
		}

		return out, nil

	case ProfileBalanced:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd reader: %w", err)
		}
		defer dec.Close()

		out, err := dec.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptPayload, err)
		}

		return out, nil

	case ProfilePortable:
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrCorruptPayload, err)
		}
		defer r.Close()

		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrCorruptPayload, err)
		}

		return out, nil

	default:
		return nil, fmt.Errorf("%w: profile %q", ErrUnknownCodec, p)
	}
}
