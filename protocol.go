package meshctrl

// Protocol identifies the sub-protocol spoken on a relay tunnel. The numeric
// value is sent as the first client frame after the relay handshake.
type Protocol int

const (
	// ProtocolTerminal is the remote terminal protocol.
	ProtocolTerminal Protocol = 1
	// ProtocolDesktop is the remote desktop protocol.
	ProtocolDesktop Protocol = 2
	// ProtocolFiles is the file access protocol.
	ProtocolFiles Protocol = 5
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolTerminal:
		return "terminal"
	case ProtocolDesktop:
		return "desktop"
	case ProtocolFiles:
		return "files"
	default:
		return "unknown"
	}
}

// FileType is the "t" field of a directory listing entry.
type FileType int

const (
	// FileTypeDrive is a drive or mount root.
	FileTypeDrive FileType = 1
	// FileTypeDirectory is a directory.
	FileTypeDirectory FileType = 2
	// FileTypeFile is a regular file.
	FileTypeFile FileType = 3
)
