package imgconv

import (
	"fmt"
	"image/color"

	"github.com/disintegration/imaging"
	"go.uber.org/multierr"

	"xtc/storage"
)

// Library-view cover thumbnails are stored as raw 1-bit framebuffers with no
// header: CoverHeight rows of CoverWidth/8 bytes, MSB first, 1 = white.
const (
	CoverWidth  = 120
	CoverHeight = 180
)

// ConvertCover decodes srcPath, fits it into the cover frame on a white
// background and writes the raw 1-bit thumbnail to dstPath.
func ConvertCover(st storage.Storage, srcPath, dstPath string) (err error) {
	src, err := st.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open cover source: %w", err)
	}
	defer func() { err = multierr.Append(err, src.Close()) }()

	img, err := decode(src, srcPath, Config{MaxWidth: CoverWidth, MaxHeight: CoverHeight})
	if err != nil {
		return err
	}

	fitted := imaging.Fit(img, CoverWidth, CoverHeight, imaging.Lanczos)
	canvas := imaging.New(CoverWidth, CoverHeight, color.White)
	canvas = imaging.PasteCenter(canvas, fitted)

	out, err := st.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create cover file: %w", err)
	}
	defer func() { err = multierr.Append(err, out.Close()) }()

	gray := imaging.Grayscale(canvas)
	d := newAtkinson1BitDitherer(CoverWidth)
	row := make([]byte, CoverWidth/8)

	for y := 0; y < CoverHeight; y++ {
		clear(row)
		for x := 0; x < CoverWidth; x++ {
			if d.processPixel(int(gray.NRGBAAt(x, y).R), x) != 0 {
				row[x/8] |= 1 << (7 - x%8)
			}
		}
		d.nextRow()
		if _, err := out.Write(row); err != nil {
			return fmt.Errorf("write cover row: %w", err)
		}
	}
	return nil
}
