package common

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
)

// SnappyCompressThreshold is the minimum payload size worth paying snappy's
// framing overhead for. Below it CompressData leaves data untouched and
// tags it accordingly so DecompressData knows not to run it back through
// snappy.
const SnappyCompressThreshold = 256

const (
	compressTagRaw    byte = 0
	compressTagSnappy byte = 1
)

func CompressData(uncompressed []byte) []byte {
	if len(uncompressed) < SnappyCompressThreshold {
		return append([]byte{compressTagRaw}, uncompressed...)
	}
	encoded := snappy.Encode(nil, uncompressed)
	return append([]byte{compressTagSnappy}, encoded...)
}

func DecompressData(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, nil
	}
	switch compressed[0] {
	case compressTagSnappy:
		return snappy.Decode(nil, compressed[1:])
	default:
		return compressed[1:], nil
	}
}

func DecompressReader(compressed []byte) (io.Reader, error) {
	data, err := DecompressData(compressed)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}
