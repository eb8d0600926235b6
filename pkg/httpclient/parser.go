package httpclient

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseResponse decodes the body into BodyJSON. JSON bodies are decoded, text is kept as a string.
func ParseResponse(resp *Response) error {
	if len(resp.Body) == 0 {
		return nil
	}

	contentType := strings.ToLower(resp.ContentType)
	switch {
	case strings.Contains(contentType, "json"):
		var result any
		if err := json.Unmarshal(resp.Body, &result); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}
		resp.BodyJSON = result
	case strings.HasPrefix(contentType, "text/"), contentType == "":
		resp.BodyJSON = string(resp.Body)
	default:
		return fmt.Errorf("unsupported content type %q", resp.ContentType)
	}
	return nil
}

// IsSuccessStatus returns true if the status code indicates success
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// IsRetryableStatus returns true if the status code indicates a retryable error
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
