package query

import (
	"fmt"
	"strings"

	"github.com/starford/kiln/internal/apperr"
)

// StructuredError is one query error with enough context to locate it.
type StructuredError struct {
	Message   string         `json:"message"`
	CodeFrame string         `json:"codeFrame,omitempty"`
	FilePath  string         `json:"filePath"`
	URLPath   string         `json:"urlPath,omitempty"`
	Plugin    string         `json:"plugin"`
	Location  *Location      `json:"location,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// BuildError is a fatal query failure. It matches apperr.ErrQueryFailed.
type BuildError struct {
	JobID  string
	Errors []StructuredError
	// Cause is set when the executor itself failed.
	Cause error
}

func (e *BuildError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "query %s failed", e.JobID)
	for _, se := range e.Errors {
		fmt.Fprintf(&b, "\n\n%s\nFile path: %s", se.Message, se.FilePath)
		if se.URLPath != "" {
			fmt.Fprintf(&b, "\nURL path: %s", se.URLPath)
		}
		fmt.Fprintf(&b, "\nPlugin: %s", se.Plugin)
		if se.CodeFrame != "" {
			b.WriteString("\n\n" + se.CodeFrame)
		}
	}
	return b.String()
}

// Is reports a match for apperr.ErrQueryFailed.
func (e *BuildError) Is(target error) bool { return target == apperr.ErrQueryFailed }

func (e *BuildError) Unwrap() error { return e.Cause }

func newBuildError(job Job, errs []Error) *BuildError {
	plugin := job.PluginCreatorID
	if plugin == "" {
		plugin = "none"
	}
	var (
		urlPath string
		ctx     map[string]any
	)
	if job.IsPage {
		urlPath, _ = job.Context["path"].(string)
		ctx, _ = job.Context["context"].(map[string]any)
	}

	out := &BuildError{JobID: job.ID}
	for _, e := range errs {
		se := StructuredError{
			Message:  e.Message,
			FilePath: job.ComponentPath,
			URLPath:  urlPath,
			Plugin:   plugin,
			Context:  ctx,
		}
		if len(e.Locations) > 0 {
			loc := e.Locations[0]
			se.Location = &loc
			se.CodeFrame = codeFrame(job.Query, loc.Line, loc.Column)
		}
		out.Errors = append(out.Errors, se)
	}
	return out
}
