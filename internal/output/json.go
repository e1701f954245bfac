package output

import (
	"encoding/json"

	"github.com/nocloudhq/cloudbridge/internal/ratelimit"
	"github.com/nocloudhq/cloudbridge/internal/store"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

func (f *JSONFormatter) FormatViolations(violations []store.Violation) (string, error) {
	if violations == nil {
		violations = []store.Violation{}
	}
	return f.marshal(violations)
}

func (f *JSONFormatter) FormatWindows(list WindowList) (string, error) {
	if list.Windows == nil {
		list.Windows = []ratelimit.WindowState{}
	}
	return f.marshal(list)
}

func (f *JSONFormatter) FormatUploads(uploads []store.SignedUpload) (string, error) {
	if uploads == nil {
		uploads = []store.SignedUpload{}
	}
	return f.marshal(uploads)
}

func (f *JSONFormatter) marshal(v any) (string, error) {
	var (
		data []byte
		err  error
	)
	if f.Indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
