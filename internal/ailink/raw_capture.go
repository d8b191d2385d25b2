package ailink

import "strings"

func truncateBytes(input []byte, max int) []byte {
	if max <= 0 {
		return nil
	}
	if len(input) <= max {
		return input
	}
	out := make([]byte, 0, max)
	out = append(out, input[:max]...)
	return out
}

// withRawCapture attaches raw to err when raw capture is enabled.
func withRawCapture(cfg DebugConfig, err error, raw []byte) error {
	if err == nil || !cfg.CaptureRawEnabled || len(raw) == 0 {
		return err
	}
	limit := cfg.CaptureRawMaxBytes
	if limit <= 0 {
		limit = len(raw)
	}
	return &RawResponseError{Err: err, Raw: truncateBytes(raw, limit)}
}

func safeOneLine(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}
