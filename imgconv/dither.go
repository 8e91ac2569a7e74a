package imgconv

// Atkinson error diffusion. Only 6/8 of the quantization error is
// distributed, which keeps e-ink renditions cleaner than Floyd-Steinberg:
//
//	    X  1/8 1/8
//	1/8 1/8 1/8
//	    1/8
//
// Error rows are padded so the x+4 write never needs a bounds check.
const ditherPadding = 16

type atkinsonDitherer struct {
	row0, row1, row2 []int16
}

func newAtkinsonDitherer(width int) *atkinsonDitherer {
	n := width + ditherPadding
	return &atkinsonDitherer{
		row0: make([]int16, n),
		row1: make([]int16, n),
		row2: make([]int16, n),
	}
}

// processPixel quantizes one grayscale value to four levels. The thresholds
// and reference values are tuned for the target e-ink panel rather than
// evenly spaced.
func (d *atkinsonDitherer) processPixel(gray, x int) uint8 {
	adjusted := gray + int(d.row0[x+2])
	if adjusted < 0 {
		adjusted = 0
	}
	if adjusted > 255 {
		adjusted = 255
	}

	var quantized uint8
	var quantizedValue int
	switch {
	case adjusted < 30:
		quantized, quantizedValue = 0, 15
	case adjusted < 50:
		quantized, quantizedValue = 1, 30
	case adjusted < 140:
		quantized, quantizedValue = 2, 80
	default:
		quantized, quantizedValue = 3, 210
	}

	err := int16((adjusted - quantizedValue) >> 3)
	d.row0[x+3] += err
	d.row0[x+4] += err
	d.row1[x+1] += err
	d.row1[x+2] += err
	d.row1[x+3] += err
	d.row2[x+2] += err

	return quantized
}

func (d *atkinsonDitherer) nextRow() {
	d.row0, d.row1, d.row2 = d.row1, d.row2, d.row0
	clear(d.row2)
}

// atkinson1BitDitherer quantizes to black and white with the same error
// distribution pattern.
type atkinson1BitDitherer struct {
	row0, row1, row2 []int16
}

func newAtkinson1BitDitherer(width int) *atkinson1BitDitherer {
	n := width + ditherPadding
	return &atkinson1BitDitherer{
		row0: make([]int16, n),
		row1: make([]int16, n),
		row2: make([]int16, n),
	}
}

func (d *atkinson1BitDitherer) processPixel(gray, x int) uint8 {
	adjusted := gray + int(d.row0[x+2])
	if adjusted < 0 {
		adjusted = 0
	}
	if adjusted > 255 {
		adjusted = 255
	}

	var quantized uint8
	var quantizedValue int
	if adjusted < 128 {
		quantized, quantizedValue = 0, 0
	} else {
		quantized, quantizedValue = 1, 255
	}

	err := int16((adjusted - quantizedValue) >> 3)
	d.row0[x+3] += err
	d.row0[x+4] += err
	d.row1[x+1] += err
	d.row1[x+2] += err
	d.row1[x+3] += err
	d.row2[x+2] += err

	return quantized
}

func (d *atkinson1BitDitherer) nextRow() {
	d.row0, d.row1, d.row2 = d.row1, d.row2, d.row0
	clear(d.row2)
}
