package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// maxFrameBytes bounds a single decoded frame. An envelope may exceed it by
// its header fields only.
const (
	maxFrameBytes    = 32 << 20
	maxEnvelopeBytes = maxFrameBytes + 1<<10
)

var ErrCorruptFrame = errors.New("corrupt frame")

// Digest is the BLAKE3-256 hash of an uncompressed frame payload.
type Digest [32]byte

func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// Envelope is the CBOR record stored on a stream key.
type Envelope struct {
	Seq         uint64      `cbor:"1,keyasint"`
	CapturedAt  int64       `cbor:"2,keyasint"`
	ContentType string      `cbor:"3,keyasint,omitempty"`
	Compression Compression `cbor:"4,keyasint"`
	Size        int         `cbor:"5,keyasint"`
	Digest      Digest      `cbor:"6,keyasint"`
	Payload     []byte      `cbor:"7,keyasint"`
}

// Frame is the decoded view of an envelope.
type Frame struct {
	Seq         uint64
	CapturedAt  time.Time
	ContentType string
	Data        []byte
	Digest      Digest
}

// EncodeFrame wraps data in an envelope, compressing it with c when that
// makes it smaller.
func EncodeFrame(seq uint64, capturedAt time.Time, contentType string, data []byte, digest Digest, c Compression) ([]byte, error) {
	payload, applied, err := Compress(data, c)
	if err != nil {
		return nil, err
	}
	return Marshal(Envelope{
		Seq:         seq,
		CapturedAt:  capturedAt.UnixNano(),
		ContentType: contentType,
		Compression: applied,
		Size:        len(data),
		Digest:      digest,
		Payload:     payload,
	})
}

// DecodeFrame unwraps an envelope and checks the payload against its digest.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) > maxEnvelopeBytes {
		return Frame{}, fmt.Errorf("%w: envelope of %d bytes exceeds limit", ErrCorruptFrame, len(raw))
	}
	var env Envelope
	if err := Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	data, err := Decompress(env.Payload, env.Compression, env.Size)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	if Sum(data) != env.Digest {
		return Frame{}, fmt.Errorf("%w: digest mismatch", ErrCorruptFrame)
	}
	return Frame{
		Seq:         env.Seq,
		CapturedAt:  time.Unix(0, env.CapturedAt).UTC(),
		ContentType: env.ContentType,
		Data:        data,
		Digest:      env.Digest,
	}, nil
}
