package encoder

import (
	"fmt"
	"image"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"golang.org/x/image/draw"
)

// Converter turns captured RGBA frames into an encoder's input layout. It
// keeps the last converted buffer so it can be re-encoded as filler.
type Converter struct {
	width  int
	height int
	format video.PixelFormat

	scaled *image.RGBA
	buf    []byte
}

// NewConverter creates a converter for width x height frames in format
func NewConverter(width, height int, format video.PixelFormat) *Converter {
	return &Converter{width: width, height: height, format: format}
}

// Last returns the last converted buffer, nil before the first conversion
func (c *Converter) Last() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	return c.buf
}

// Convert converts img, scaling it when its size differs from the target
func (c *Converter) Convert(img *image.RGBA) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("nil frame")
	}
	src := c.fit(img)

	switch c.format {
	case video.PixelRGBA:
		c.buf = packRGBA(c.buf, src, false)
	case video.PixelBGRA:
		c.buf = packRGBA(c.buf, src, true)
	case video.PixelI420:
		c.buf = toI420(c.buf, src)
	case video.PixelI444:
		c.buf = toI444(c.buf, src)
	default:
		return nil, fmt.Errorf("unsupported pixel format %q", c.format)
	}
	return c.buf, nil
}

// fit returns img at the target size
func (c *Converter) fit(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == c.width && b.Dy() == c.height {
		return img
	}
	if c.scaled == nil || c.scaled.Bounds().Dx() != c.width || c.scaled.Bounds().Dy() != c.height {
		c.scaled = image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	}
	draw.ApproxBiLinear.Scale(c.scaled, c.scaled.Bounds(), img, b, draw.Src, nil)
	return c.scaled
}

func grow(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}

func packRGBA(buf []byte, img *image.RGBA, swap bool) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	buf = grow(buf, w*h*4)
	for y := 0; y < h; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		row := img.Pix[off : off+w*4]
		dst := buf[y*w*4 : (y+1)*w*4]
		copy(dst, row)
		if swap {
			for i := 0; i < len(dst); i += 4 {
				dst[i], dst[i+2] = dst[i+2], dst[i]
			}
		}
	}
	return buf
}

// BT.601 limited range
func rgbToYUV(r, g, b uint8) (uint8, uint8, uint8) {
	ri, gi, bi := int32(r), int32(g), int32(b)
	y := (66*ri+129*gi+25*bi+128)>>8 + 16
	u := (-38*ri-74*gi+112*bi+128)>>8 + 128
	v := (112*ri-94*gi-18*bi+128)>>8 + 128
	return clamp(y), clamp(u), clamp(v)
}

func clamp(v int32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func toI420(buf []byte, img *image.RGBA) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	cw, ch := (w+1)/2, (h+1)/2
	buf = grow(buf, w*h+2*cw*ch)
	yp := buf[:w*h]
	up := buf[w*h : w*h+cw*ch]
	vp := buf[w*h+cw*ch:]

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			yy, u, v := rgbToYUV(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
			yp[y*w+x] = yy
			if x%2 == 0 && y%2 == 0 {
				up[(y/2)*cw+x/2] = u
				vp[(y/2)*cw+x/2] = v
			}
		}
	}
	return buf
}

func toI444(buf []byte, img *image.RGBA) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	n := w * h
	buf = grow(buf, 3*n)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			yy, u, v := rgbToYUV(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
			buf[y*w+x] = yy
			buf[n+y*w+x] = u
			buf[2*n+y*w+x] = v
		}
	}
	return buf
}

// FrameSize returns the buffer size of a width x height frame in format
func FrameSize(format video.PixelFormat, width, height int) int {
	switch format {
	case video.PixelRGBA, video.PixelBGRA:
		return width * height * 4
	case video.PixelI420:
		cw, ch := (width+1)/2, (height+1)/2
		return width*height + 2*cw*ch
	case video.PixelI444:
		return 3 * width * height
	default:
		return 0
	}
}

// ToRGBA copies a captured frame into a tightly packed RGBA buffer for
// screenshots
func ToRGBA(img *image.RGBA) []byte {
	return packRGBA(nil, img, false)
}
