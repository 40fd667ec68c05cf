package timeline

// Viewport is the scroll state of a rendered timeline.
type Viewport struct {
	ScrollTop     float64
	ContentHeight float64
}

// AnchorScroll returns the scroll offset that keeps the same rows on screen after
// content was inserted above them, e.g. when an older page is prepended.
func AnchorScroll(before Viewport, contentHeightAfter float64) float64 {
	offset := before.ScrollTop + (contentHeightAfter - before.ContentHeight)
	if offset < 0 {
		return 0
	}
	return offset
}
