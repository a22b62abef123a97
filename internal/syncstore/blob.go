package syncstore

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic starts every zstd frame. JSON blobs never start with it, so
// compressed and plain blobs can live side by side in one table.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// zstdEncoder and zstdDecoder are reused across calls; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("syncstore: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("syncstore: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeBlob serializes v as JSON, compressing it when compress is set and
// compression actually saves space.
func encodeBlob(v any, compress bool) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode blob: %w", err)
	}
	if !compress {
		return data, nil
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, nil
	}
	return compressed, nil
}

// decodeBlob reverses encodeBlob. An empty blob decodes to the zero value.
func decodeBlob(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		data = plain
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode blob: %w", err)
	}
	return nil
}

func decodeEvents(data []byte) ([]json.RawMessage, error) {
	var events []json.RawMessage
	if err := decodeBlob(data, &events); err != nil {
		return nil, err
	}
	if events == nil {
		events = []json.RawMessage{}
	}
	return events, nil
}
