// Package imgconv converts book images into the device-native paletted BMP
// format: decode, fit to the viewport, grayscale, Atkinson dither, pack.
package imgconv

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/h2non/filetype"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/image/bmp"

	"xtc/storage"
)

// ErrAborted is returned when the caller's abort callback fires mid-convert.
var ErrAborted = errors.New("imgconv: conversion aborted")

// Config controls one conversion.
type Config struct {
	MaxWidth  int
	MaxHeight int
	OneBit    bool // 1-bit output instead of 2-bit grayscale
	Quick     bool // threshold instead of dithering
	Abort     func() bool
	Log       *zap.Logger
}

// IsSupported reports whether the source path names a convertible format.
// Matching is by extension; content sniffing happens during conversion.
func IsSupported(src string) bool {
	switch strings.ToLower(path.Ext(stripQuery(src))) {
	case ".jpg", ".jpeg", ".png", ".bmp", ".svg":
		return true
	}
	return false
}

// IsBMP reports whether the source is already device-readable without
// conversion.
func IsBMP(src string) bool {
	return strings.EqualFold(path.Ext(stripQuery(src)), ".bmp")
}

func stripQuery(src string) string {
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		return src[:i]
	}
	return src
}

// Convert reads srcPath from st, converts it and writes a paletted top-down
// BMP to dstPath. The output never exceeds MaxWidth x MaxHeight; smaller
// sources are kept at their natural size.
func Convert(st storage.Storage, srcPath, dstPath string, cfg Config) (err error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	src, err := st.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source image: %w", err)
	}
	defer func() { err = multierr.Append(err, src.Close()) }()

	img, err := decode(src, srcPath, cfg)
	if err != nil {
		return err
	}

	bounds := img.Bounds()
	if bounds.Dx() > cfg.MaxWidth || bounds.Dy() > cfg.MaxHeight {
		img = imaging.Fit(img, cfg.MaxWidth, cfg.MaxHeight, imaging.Lanczos)
		bounds = img.Bounds()
	}
	log.Debug("converting image",
		zap.String("src", srcPath),
		zap.Int("width", bounds.Dx()),
		zap.Int("height", bounds.Dy()),
		zap.Bool("oneBit", cfg.OneBit))

	out, err := st.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	defer func() { err = multierr.Append(err, out.Close()) }()

	if encodeErr := encodeBMP(out, img, cfg); encodeErr != nil {
		return encodeErr
	}
	return nil
}

// decode sniffs the content type and decodes accordingly. SVG sources are
// rasterized at the viewport size.
func decode(r io.Reader, srcPath string, cfg Config) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read source image: %w", err)
	}

	if kind, _ := filetype.Image(data); kind != filetype.Unknown {
		switch kind.Extension {
		case "jpg":
			img, decErr := jpeg.Decode(bytes.NewReader(data))
			if decErr != nil {
				return nil, fmt.Errorf("decode jpeg: %w", decErr)
			}
			return img, nil
		case "png":
			img, decErr := png.Decode(bytes.NewReader(data))
			if decErr != nil {
				return nil, fmt.Errorf("decode png: %w", decErr)
			}
			return img, nil
		case "bmp":
			img, decErr := bmp.Decode(bytes.NewReader(data))
			if decErr != nil {
				return nil, fmt.Errorf("decode bmp: %w", decErr)
			}
			return img, nil
		default:
			return nil, fmt.Errorf("unsupported image type %q", kind.Extension)
		}
	}

	// filetype has no SVG matcher; fall back to the extension.
	if strings.EqualFold(path.Ext(stripQuery(srcPath)), ".svg") {
		return rasterizeSVG(data, cfg.MaxWidth, cfg.MaxHeight)
	}
	return nil, errors.New("unrecognized image data")
}

func rasterizeSVG(data []byte, maxWidth, maxHeight int) (image.Image, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse svg: %w", err)
	}

	w, h := int(icon.ViewBox.W), int(icon.ViewBox.H)
	if w <= 0 || h <= 0 {
		w, h = maxWidth, maxHeight
	}
	if w > maxWidth || h > maxHeight {
		scale := min(float64(maxWidth)/float64(w), float64(maxHeight)/float64(h))
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
	}
	if w < 1 || h < 1 {
		return nil, errors.New("svg rasterizes to nothing")
	}

	icon.SetTarget(0, 0, float64(w), float64(h))
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	// White background: SVGs are commonly transparent and the panel is white.
	for i := range rgba.Pix {
		rgba.Pix[i] = 0xFF
	}
	scanner := rasterx.NewScannerGV(w, h, rgba, rgba.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1.0)
	return rgba, nil
}

// encodeBMP dithers the image row by row and writes the packed output.
func encodeBMP(w io.Writer, img image.Image, cfg Config) error {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("bad image dimensions %dx%d", width, height)
	}

	bits := 2
	if cfg.OneBit {
		bits = 1
	}
	if err := writeBMPHeader(w, width, height, bits); err != nil {
		return err
	}

	// imaging.Grayscale re-anchors the result at the origin.
	gray := imaging.Grayscale(img)

	var rowBytes int
	if cfg.OneBit {
		rowBytes = bmpRowBytes1Bit(width)
	} else {
		rowBytes = bmpRowBytes2Bit(width)
	}
	row := make([]byte, rowBytes)

	var d2 *atkinsonDitherer
	var d1 *atkinson1BitDitherer
	if !cfg.Quick {
		if cfg.OneBit {
			d1 = newAtkinson1BitDitherer(width)
		} else {
			d2 = newAtkinsonDitherer(width)
		}
	}

	for y := 0; y < height; y++ {
		if cfg.Abort != nil && cfg.Abort() {
			return ErrAborted
		}
		clear(row)
		for x := 0; x < width; x++ {
			g := int(gray.NRGBAAt(x, y).R)
			if cfg.OneBit {
				var bit uint8
				if d1 != nil {
					bit = d1.processPixel(g, x)
				} else if g > 127 {
					bit = 1
				}
				if bit != 0 {
					row[x/8] |= 1 << (7 - x%8)
				}
			} else {
				var q uint8
				if d2 != nil {
					q = d2.processPixel(g, x)
				} else {
					switch {
					case g < 64:
						q = 0
					case g < 128:
						q = 1
					case g < 192:
						q = 2
					default:
						q = 3
					}
				}
				shift := uint(6 - (x%4)*2)
				row[x/4] |= q << shift
			}
		}
		if d1 != nil {
			d1.nextRow()
		}
		if d2 != nil {
			d2.nextRow()
		}
		if _, err := w.Write(row); err != nil {
			return fmt.Errorf("write bmp row: %w", err)
		}
	}
	return nil
}
