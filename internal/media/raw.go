package media

import "bytes"

// Camera raw files carry one or more embedded JPEG renditions alongside the
// sensor data. Decoding the largest of those is far cheaper than a full
// demosaic and is what the proxy pipeline prefers.

var (
	jpegSOI = []byte{0xFF, 0xD8, 0xFF}
	jpegEOI = []byte{0xFF, 0xD9}
)

// minEmbeddedJPEGBytes filters out the tiny index thumbnails most raw
// formats embed ahead of the full-size preview.
const minEmbeddedJPEGBytes = 64 * 1024

// ExtractEmbeddedJPEG scans buf for JPEG start/end marker pairs and returns
// the largest complete segment of at least minEmbeddedJPEGBytes. The second
// return is false when no usable preview is present.
func ExtractEmbeddedJPEG(buf []byte) ([]byte, bool) {
	var best []byte
	off := 0
	for {
		start := bytes.Index(buf[off:], jpegSOI)
		if start < 0 {
			break
		}
		start += off
		end := bytes.Index(buf[start+len(jpegSOI):], jpegEOI)
		if end < 0 {
			break
		}
		end += start + len(jpegSOI) + len(jpegEOI)
		segment := buf[start:end]
		if len(segment) >= minEmbeddedJPEGBytes && len(segment) > len(best) {
			best = segment
		}
		off = end
	}
	if best == nil {
		return nil, false
	}
	return best, true
}
