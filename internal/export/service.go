package export

import "fmt"

// Service renders assembled reports into the requested format.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Export renders the report and converts it to the requested format.
func (s *Service) Export(req Request, report Report) (*Result, error) {
	if !req.IncludeThreads {
		report.Threads = nil
	}

	html, err := RenderReportHTML(report)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, report.Title)
	case FormatDOCX:
		return exportDOCX(html, report.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
