package fanotify

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kernel file handle types whose f_handle starts with a 32-bit inode.
// See include/linux/exportfs.h.
const (
	fileidIno32Gen       = 1
	fileidIno32GenParent = 2
)

const (
	metadataSize   = 24 // struct fanotify_event_metadata
	infoHeaderSize = 4  // info_type, pad, len
	fsidSize       = 8
	handleHdrSize  = 8 // handle_bytes, handle_type
	responseSize   = 8 // struct fanotify_response
)

var (
	// ErrTruncated is returned when a record claims more bytes than were read.
	ErrTruncated = errors.New("fanotify: truncated record")

	// ErrVersion is returned for metadata from an unexpected ABI version.
	ErrVersion = errors.New("fanotify: metadata version mismatch")

	// ErrNoFid is returned when a FID event carries no FID info record.
	ErrNoFid = errors.New("fanotify: no fid info record")

	// ErrUnsupportedHandle is returned for file handles that do not start
	// with a 32-bit inode.
	ErrUnsupportedHandle = errors.New("fanotify: unsupported file handle type")
)

// record is one decoded fanotify_event_metadata plus its trailing info
// records.
type record struct {
	Mask uint64
	Fd   int32
	Pid  int32
	Info []byte
}

// parseRecords walks the packed metadata records of one read. Records
// decoded before an error are returned alongside it.
func parseRecords(buf []byte) ([]record, error) {
	var out []record
	for len(buf) > 0 {
		if len(buf) < metadataSize {
			return out, ErrTruncated
		}
		eventLen := binary.NativeEndian.Uint32(buf[0:4])
		vers := buf[4]
		metaLen := binary.NativeEndian.Uint16(buf[6:8])

		if vers != unix.FANOTIFY_METADATA_VERSION {
			return out, fmt.Errorf("%w: got %d", ErrVersion, vers)
		}
		if eventLen < metadataSize || int(eventLen) > len(buf) ||
			metaLen < metadataSize || uint32(metaLen) > eventLen {
			return out, ErrTruncated
		}

		out = append(out, record{
			Mask: binary.NativeEndian.Uint64(buf[8:16]),
			Fd:   int32(binary.NativeEndian.Uint32(buf[16:20])),
			Pid:  int32(binary.NativeEndian.Uint32(buf[20:24])),
			Info: buf[metaLen:eventLen],
		})
		buf = buf[eventLen:]
	}
	return out, nil
}

// fidInode extracts the inode number from the FID info record of a
// FAN_REPORT_FID event.
func fidInode(info []byte) (uint64, error) {
	for len(info) > 0 {
		if len(info) < infoHeaderSize {
			return 0, ErrTruncated
		}
		infoType := info[0]
		infoLen := int(binary.NativeEndian.Uint16(info[2:4]))
		if infoLen < infoHeaderSize || infoLen > len(info) {
			return 0, ErrTruncated
		}
		body := info[infoHeaderSize:infoLen]
		info = info[infoLen:]

		if infoType != unix.FAN_EVENT_INFO_TYPE_FID {
			continue
		}
		if len(body) < fsidSize+handleHdrSize {
			return 0, ErrTruncated
		}
		handle := body[fsidSize:]
		handleBytes := int(binary.NativeEndian.Uint32(handle[0:4]))
		handleType := int32(binary.NativeEndian.Uint32(handle[4:8]))
		fh := handle[handleHdrSize:]
		if handleBytes > len(fh) {
			return 0, ErrTruncated
		}

		switch handleType {
		case fileidIno32Gen, fileidIno32GenParent:
			if handleBytes < 4 {
				return 0, ErrTruncated
			}
			return uint64(binary.NativeEndian.Uint32(fh[0:4])), nil
		default:
			return 0, fmt.Errorf("%w: %d", ErrUnsupportedHandle, handleType)
		}
	}
	return 0, ErrNoFid
}

// encodeResponse renders a struct fanotify_response.
func encodeResponse(fd int32, allowed bool) []byte {
	verdict := uint32(unix.FAN_DENY)
	if allowed {
		verdict = unix.FAN_ALLOW
	}
	b := make([]byte, responseSize)
	binary.NativeEndian.PutUint32(b[0:4], uint32(fd))
	binary.NativeEndian.PutUint32(b[4:8], verdict)
	return b
}
