package printing

import (
	"github.com/htmltopdf/backend/internal/domain/conversion"
	"github.com/htmltopdf/backend/internal/infrastructure/browser"
)

const defaultScale = 1.0

// printParams builds export options; Chromium expects inches
func (e *Engine) printParams(opts conversion.PageOptions) browser.PrintParams {
	width, height := opts.PageSize.Dimensions()
	margin := mmToInches(e.config.MarginMM)

	return browser.PrintParams{
		PaperWidth:      mmToInches(width),
		PaperHeight:     mmToInches(height),
		MarginTop:       margin,
		MarginRight:     margin,
		MarginBottom:    margin,
		MarginLeft:      margin,
		Scale:           defaultScale,
		Landscape:       opts.Orientation == conversion.OrientationLandscape,
		PrintBackground: true,
	}
}

// mmToInches converts millimeters to inches
func mmToInches(mm float64) float64 {
	return mm / 25.4
}
