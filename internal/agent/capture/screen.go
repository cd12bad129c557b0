package capture

import (
	"image"

	"github.com/kbinani/screenshot"
	"golang.org/x/xerrors"
)

var ErrNoDisplay = xerrors.New("no active display")

// ScreenCapturer grabs the whole virtual screen: one image spanning the
// union of every active display.
type ScreenCapturer struct{}

func (ScreenCapturer) Capture() (image.Image, error) {
	n := screenshot.NumActiveDisplays()
	if n <= 0 {
		return nil, ErrNoDisplay
	}
	var bounds image.Rectangle
	for i := 0; i < n; i++ {
		bounds = bounds.Union(screenshot.GetDisplayBounds(i))
	}
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, xerrors.Errorf("capture %v: %w", bounds, err)
	}
	return img, nil
}
