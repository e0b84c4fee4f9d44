package tunnel

// Download data frames start with a 4-byte header; bit 0 of the last
// header byte marks the final chunk.
const (
	chunkHeaderSize = 4
	finalChunkFlag  = 0x01
)

// EncodeChunk returns the upload frame for data. A chunk whose first byte
// is NUL or '{' would be mistaken for an escaped chunk or a JSON control
// frame, so it gets a leading NUL.
func EncodeChunk(data []byte) []byte {
	if len(data) > 0 && (data[0] == 0x00 || data[0] == '{') {
		out := make([]byte, len(data)+1)
		copy(out[1:], data)
		return out
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// DecodeChunk reverses EncodeChunk.
func DecodeChunk(frame []byte) []byte {
	if len(frame) > 0 && frame[0] == 0x00 {
		return frame[1:]
	}
	return frame
}

// DownloadFrame builds a download data frame carrying data.
func DownloadFrame(data []byte, final bool) []byte {
	out := make([]byte, chunkHeaderSize+len(data))
	if final {
		out[3] = finalChunkFlag
	}
	copy(out[chunkHeaderSize:], data)
	return out
}

func isFinalChunk(frame []byte) bool {
	return frame[3]&finalChunkFlag != 0
}
