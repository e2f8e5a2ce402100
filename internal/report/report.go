// SPDX-License-Identifier: AGPL-3.0-only

// Package report persists Markdown cluster summaries produced by the model.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/BiproDe/AKS-AI-Agent/internal/config"
	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
	"github.com/BiproDe/AKS-AI-Agent/internal/logging"
	"github.com/BiproDe/AKS-AI-Agent/internal/tools"
)

const (
	// FunctionName is the local function exposed to the model.
	FunctionName = "generate_cluster_summary"
	// DefaultFilename is used when the writer has no filename.
	DefaultFilename = "cluster_summary.md"

	lockRetryDelay = 50 * time.Millisecond
)

// Writer saves summaries to Dir/Filename.
type Writer struct {
	Dir      string
	Filename string
	logger   *logging.Logger
}

// NewWriter creates a writer from the report config.
func NewWriter(cfg config.ReportConfig, logger *logging.Logger) *Writer {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Writer{Dir: cfg.OutputDir, Filename: cfg.Filename, logger: logger}
}

// Path returns the file the writer targets.
func (w *Writer) Path() string {
	name := w.Filename
	if name == "" {
		name = DefaultFilename
	}
	return filepath.Join(w.Dir, name)
}

// Persist returns content unchanged when shouldSave is false. Otherwise it
// writes content to Path, overwriting any earlier summary, and returns a
// confirmation naming the file.
func (w *Writer) Persist(ctx context.Context, content string, shouldSave bool) (string, error) {
	if !shouldSave {
		return content, nil
	}

	path := w.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.ToolExecution(FunctionName, fmt.Sprintf("create report directory: %v", err))
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return "", errors.ToolExecution(FunctionName, fmt.Sprintf("lock %s: %v", path, err))
	}
	if !locked {
		return "", errors.ToolExecution(FunctionName, fmt.Sprintf("lock %s: not acquired", path))
	}
	defer func() {
		if err := lock.Unlock(); err != nil && w.logger != nil {
			w.logger.Warnf("Failed to release report lock %s: %v", path, err)
		}
	}()

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", errors.ToolExecution(FunctionName, fmt.Sprintf("write %s: %v", path, err))
	}
	if w.logger != nil {
		w.logger.Infof("Wrote cluster summary to %s (%d bytes)", path, len(content))
	}
	return fmt.Sprintf("Cluster summary document generated: `%s`", path), nil
}

// Schema is the argument schema of generate_cluster_summary.
func Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"summary_markdown": map[string]interface{}{
				"type":        "string",
				"description": "The cluster summary formatted as Markdown",
			},
			"save_file": map[string]interface{}{
				"type":        "boolean",
				"description": "Write the summary to a file instead of returning it",
			},
		},
		"required": []string{"summary_markdown", "save_file"},
	}
}

// Register adds generate_cluster_summary to reg.
func Register(reg *tools.Registry, w *Writer) error {
	return reg.Register(FunctionName,
		"Generate a detailed Markdown summary of the Kubernetes cluster and save it to a file.",
		Schema(),
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			content, ok := args["summary_markdown"].(string)
			if !ok {
				return "", errors.InvalidInput("summary_markdown must be a string")
			}
			save, err := boolArg(args["save_file"])
			if err != nil {
				return "", err
			}
			return w.Persist(ctx, content, save)
		})
}

// boolArg accepts JSON booleans and the strings "true"/"false", which some
// models send for boolean parameters.
func boolArg(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch b {
		case "true", "True":
			return true, nil
		case "false", "False":
			return false, nil
		}
	case nil:
		return false, errors.InvalidInput("save_file is required")
	}
	return false, errors.InvalidInput(fmt.Sprintf("save_file must be a boolean, got %v", v))
}
