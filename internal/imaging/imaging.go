// Package imaging wraps the ImageMagick bindings behind the small set of
// pixel operations the pipeline needs: probing, orientation-aware metadata,
// the one-pass normalization transform, captioning, and debug annotation.
// Stages depend on function values with these signatures, not on ImageMagick,
// so they stay testable without native libraries.
package imaging

import (
	"fmt"
	"image"
	"math"

	"gopkg.in/gographics/imagick.v3/imagick"

	"facelapse/internal/geom"
)

// Initialize must be called once before any other function in this package.
func Initialize() { imagick.Initialize() }

// Terminate releases ImageMagick's global state.
func Terminate() { imagick.Terminate() }

// Probe reports whether the file at path decodes as a supported image.
func Probe(path string) error {
	wand := imagick.NewMagickWand()
	defer wand.Destroy()
	return wand.PingImage(path)
}

// Dimensions returns the image's width and height in pixels, corrected for
// EXIF orientation, without decoding pixel data.
func Dimensions(path string) (int, int, error) {
	wand := imagick.NewMagickWand()
	defer wand.Destroy()

	if err := wand.PingImage(path); err != nil {
		return 0, 0, err
	}
	w := int(wand.GetImageWidth())
	h := int(wand.GetImageHeight())

	switch wand.GetImageOrientation() {
	case imagick.ORIENTATION_LEFT_TOP,
		imagick.ORIENTATION_RIGHT_TOP,
		imagick.ORIENTATION_RIGHT_BOTTOM,
		imagick.ORIENTATION_LEFT_BOTTOM:
		w, h = h, w
	}
	return w, h, nil
}

// open reads the image at path with its EXIF orientation applied.
func open(path string) (*imagick.MagickWand, error) {
	wand := imagick.NewMagickWand()
	if err := wand.ReadImage(path); err != nil {
		wand.Destroy()
		return nil, err
	}
	if err := wand.AutoOrientImage(); err != nil {
		wand.Destroy()
		return nil, err
	}
	return wand, nil
}

// jpegQuality is the encoder quality for derived frames.
const jpegQuality = 95

// RenderAffine reads the image at srcPath, applies m in a single distortion
// pass, and returns the JPEG bytes of the width x height output viewport.
// Pixels mapped from outside the source are filled black; the crop math
// guarantees none are visible in the final frame.
func RenderAffine(srcPath string, m geom.Affine, width, height int) ([]byte, error) {
	wand, err := open(srcPath)
	if err != nil {
		return nil, err
	}
	defer wand.Destroy()

	wand.SetImageVirtualPixelMethod(imagick.VIRTUAL_PIXEL_BLACK)
	if err := wand.SetImageArtifact("distort:viewport", fmt.Sprintf("%dx%d+0+0", width, height)); err != nil {
		return nil, err
	}

	// AFFINE_PROJECTION takes [sx, rx, ry, sy, tx, ty] with
	// x' = sx*x + ry*y + tx and y' = rx*x + sy*y + ty.
	args := []float64{m.XX, m.YX, m.XY, m.YY, m.TX, m.TY}
	if err := wand.DistortImage(imagick.DISTORTION_AFFINE_PROJECTION, args, false); err != nil {
		return nil, err
	}
	if err := wand.SetImagePage(uint(width), uint(height), 0, 0); err != nil {
		return nil, err
	}

	return encodeJPEG(wand)
}

// RenderCaption reads the image at srcPath and writes text onto it near the
// bottom-left corner, black underlay below white text so the caption stays
// readable on any background. Returns the JPEG bytes.
func RenderCaption(srcPath, text string) ([]byte, error) {
	wand, err := open(srcPath)
	if err != nil {
		return nil, err
	}
	defer wand.Destroy()

	w := float64(wand.GetImageWidth())
	h := float64(wand.GetImageHeight())
	x := 0.05 * w
	y := 0.95 * h
	size := 0.05 * h

	if err := annotate(wand, text, x, y, size, "black", math.Max(2, size/8)); err != nil {
		return nil, err
	}
	if err := annotate(wand, text, x, y, size, "white", 0); err != nil {
		return nil, err
	}

	return encodeJPEG(wand)
}

func annotate(wand *imagick.MagickWand, text string, x, y, size float64, color string, strokeWidth float64) error {
	dw := imagick.NewDrawingWand()
	defer dw.Destroy()
	pw := imagick.NewPixelWand()
	defer pw.Destroy()

	pw.SetColor(color)
	dw.SetFillColor(pw)
	dw.SetFontSize(size)
	if strokeWidth > 0 {
		dw.SetStrokeColor(pw)
		dw.SetStrokeWidth(strokeWidth)
	}
	return wand.AnnotateImage(dw, x, y, 0, text)
}

// WriteAnnotated copies the image at srcPath to dstPath with the given boxes
// outlined in red. Used to persist a debug artifact when face detection finds
// an unexpected number of faces.
func WriteAnnotated(srcPath, dstPath string, boxes []image.Rectangle) error {
	wand, err := open(srcPath)
	if err != nil {
		return err
	}
	defer wand.Destroy()

	if len(boxes) > 0 {
		dw := imagick.NewDrawingWand()
		defer dw.Destroy()
		stroke := imagick.NewPixelWand()
		defer stroke.Destroy()
		fill := imagick.NewPixelWand()
		defer fill.Destroy()

		stroke.SetColor("red")
		fill.SetColor("none")
		dw.SetStrokeColor(stroke)
		dw.SetFillColor(fill)
		dw.SetStrokeWidth(3)
		for _, b := range boxes {
			dw.Rectangle(float64(b.Min.X), float64(b.Min.Y), float64(b.Max.X), float64(b.Max.Y))
		}
		if err := wand.DrawImage(dw); err != nil {
			return err
		}
	}

	return wand.WriteImage(dstPath)
}

func encodeJPEG(wand *imagick.MagickWand) ([]byte, error) {
	if err := wand.SetImageFormat("JPEG"); err != nil {
		return nil, err
	}
	if err := wand.SetImageCompressionQuality(jpegQuality); err != nil {
		return nil, err
	}
	return wand.GetImageBlob(), nil
}
