package imgconv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// The device renders paletted top-down BMPs natively, so converted images
// are written with a negative height and rows padded to 4 bytes.

const (
	bmpHeaderSize1Bit = 62 // file header + info header + 2-entry palette
	bmpHeaderSize2Bit = 70 // file header + info header + 4-entry palette
)

func bmpRowBytes1Bit(width int) int { return (width + 31) / 32 * 4 }
func bmpRowBytes2Bit(width int) int { return (width*2 + 31) / 32 * 4 }

func writeBMPHeader(w io.Writer, width, height, bitsPerPixel int) error {
	var rowBytes, offset, colors int
	switch bitsPerPixel {
	case 1:
		rowBytes, offset, colors = bmpRowBytes1Bit(width), bmpHeaderSize1Bit, 2
	case 2:
		rowBytes, offset, colors = bmpRowBytes2Bit(width), bmpHeaderSize2Bit, 4
	default:
		return fmt.Errorf("unsupported bit depth %d", bitsPerPixel)
	}
	imageSize := rowBytes * height

	hdr := make([]byte, offset)
	hdr[0], hdr[1] = 'B', 'M'
	le := binary.LittleEndian
	le.PutUint32(hdr[2:], uint32(offset+imageSize))
	le.PutUint32(hdr[10:], uint32(offset))
	le.PutUint32(hdr[14:], 40)
	le.PutUint32(hdr[18:], uint32(int32(width)))
	le.PutUint32(hdr[22:], uint32(int32(-height))) // top-down
	le.PutUint16(hdr[26:], 1)
	le.PutUint16(hdr[28:], uint16(bitsPerPixel))
	le.PutUint32(hdr[34:], uint32(imageSize))
	le.PutUint32(hdr[38:], 2835)
	le.PutUint32(hdr[42:], 2835)
	le.PutUint32(hdr[46:], uint32(colors))
	le.PutUint32(hdr[50:], uint32(colors))

	// Grayscale palette, darkest first.
	pal := hdr[54:]
	if bitsPerPixel == 1 {
		copy(pal, []byte{0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x00})
	} else {
		copy(pal, []byte{
			0x00, 0x00, 0x00, 0x00,
			0x55, 0x55, 0x55, 0x00,
			0xAA, 0xAA, 0xAA, 0x00,
			0xFF, 0xFF, 0xFF, 0x00,
		})
	}

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write bmp header: %w", err)
	}
	return nil
}

// ReadBMPSize parses just enough of a BMP header to return its pixel
// dimensions. Top-down files report a negative height; the result is always
// positive.
func ReadBMPSize(r io.Reader) (width, height int, err error) {
	hdr := make([]byte, 26)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, 0, fmt.Errorf("read bmp header: %w", err)
	}
	if hdr[0] != 'B' || hdr[1] != 'M' {
		return 0, 0, errors.New("not a bmp file")
	}
	le := binary.LittleEndian
	w := int(int32(le.Uint32(hdr[18:])))
	h := int(int32(le.Uint32(hdr[22:])))
	if h < 0 {
		h = -h
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("bad bmp dimensions %dx%d", w, h)
	}
	return w, h, nil
}
