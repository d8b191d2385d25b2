package output

import (
	"github.com/sqlshift/sqlshift/internal/core"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

// FormatReport renders a run report as JSON.
func (f *JSONFormatter) FormatReport(report *core.RunReport) (string, error) {
	if report == nil {
		return "", nil
	}
	return marshal(report, f.Indent)
}

// FormatResults renders stored results as a JSON array.
func (f *JSONFormatter) FormatResults(records []core.ResultRecord) (string, error) {
	if records == nil {
		records = []core.ResultRecord{}
	}
	return marshal(records, f.Indent)
}
