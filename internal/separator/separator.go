// Package separator runs the demucs binary against an uploaded track
// and packages the produced stems into a single zip artifact.
package separator

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/muxminus/stemd/internal/storage"
	"github.com/muxminus/stemd/pkg/jobs"
)

const (
	defaultBinary = "demucs"
	mp3Bitrate    = "320"

	// Stderr is captured only for diagnostics; demucs prints progress
	// bars first, so only the trailing bytes are kept.
	stderrCaptureLimit = 8 * 1024
)

// ContentError reports a failure caused by the submitted input rather
// than the service. The dispatcher treats these as terminal.
type ContentError struct {
	Detail string
}

func (err *ContentError) Error() string {
	return fmt.Sprintf("separation rejected input: %s", err.Detail)
}

// ContentFailure marks the error as non-retryable.
func (err *ContentError) ContentFailure() bool { return true }

// Runner invokes demucs and stores the resulting artifact.
type Runner struct {
	binary     string
	scratchDir string
	artifacts  *storage.Store
}

// New builds a Runner. An empty binary selects the demucs on PATH.
func New(binary string, scratchDir string, artifacts *storage.Store) (*Runner, error) {
	if artifacts == nil {
		return nil, errors.New("separator: artifact store is required")
	}
	if strings.TrimSpace(scratchDir) == "" {
		return nil, errors.New("separator: scratch directory is required")
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("separator: create scratch directory: %w", err)
	}
	if strings.TrimSpace(binary) == "" {
		binary = defaultBinary
	}
	return &Runner{binary: binary, scratchDir: scratchDir, artifacts: artifacts}, nil
}

// Run executes the job's separation and returns the stored artifact
// path plus the exact command line that produced it. Cancelling the
// context kills the subprocess.
func (runner *Runner) Run(ctx context.Context, job jobs.Job) (string, string, error) {
	scratch, err := os.MkdirTemp(runner.scratchDir, job.JobID.String()+"-")
	if err != nil {
		return "", "", fmt.Errorf("separator: create scratch: %w", err)
	}
	defer os.RemoveAll(scratch)

	arguments := buildArguments(job.Descriptor, scratch, job.InputPath)
	commandLine := runner.binary + " " + strings.Join(arguments, " ")

	command := exec.CommandContext(ctx, runner.binary, arguments...)
	var stderr limitedBuffer
	command.Stderr = &stderr
	command.Stdout = io.Discard

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return "", commandLine, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", commandLine, &ContentError{Detail: stderr.tail()}
		}
		return "", commandLine, fmt.Errorf("separator: run %s: %w", runner.binary, err)
	}

	archivePath := filepath.Join(scratch, job.JobID.String()+".zip")
	if err := zipDirectory(scratch, archivePath); err != nil {
		return "", commandLine, fmt.Errorf("separator: package stems: %w", err)
	}

	artifactPath, err := runner.artifacts.StoreArtifact(job.JobID, archivePath)
	if err != nil {
		return "", commandLine, err
	}
	return artifactPath, commandLine, nil
}

func buildArguments(descriptor jobs.Descriptor, outputDir string, inputPath string) []string {
	arguments := []string{"--out", outputDir}
	if descriptor.OutputFormat == "mp3" {
		arguments = append(arguments, "--mp3", "--mp3-bitrate", mp3Bitrate)
	}
	twoStem := descriptor.TwoStem
	if descriptor.Operation == jobs.OperationPipeline && twoStem == "" {
		// The lyrics pipeline only needs the vocal stem.
		twoStem = "vocals"
	}
	if twoStem != "" {
		arguments = append(arguments, "--two-stems="+twoStem)
	}
	arguments = append(arguments, "-n", descriptor.Model, inputPath)
	return arguments
}

// zipDirectory archives every stem file demucs left under root,
// skipping the archive file itself.
func zipDirectory(root string, archivePath string) error {
	archive, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	writer := zip.NewWriter(archive)

	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || path == archivePath {
			return nil
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entry, err := writer.Create(filepath.ToSlash(relative))
		if err != nil {
			return err
		}
		source, err := os.Open(path)
		if err != nil {
			return err
		}
		defer source.Close()
		_, err = io.Copy(entry, source)
		return err
	})
	if walkErr != nil {
		writer.Close()
		archive.Close()
		return walkErr
	}
	if err := writer.Close(); err != nil {
		archive.Close()
		return err
	}
	return archive.Close()
}

// limitedBuffer retains the last stderrCaptureLimit bytes written. The
// failure detail comes after however much progress output preceded it.
type limitedBuffer struct {
	data []byte
}

func (limited *limitedBuffer) Write(chunk []byte) (int, error) {
	limited.data = append(limited.data, chunk...)
	if overflow := len(limited.data) - stderrCaptureLimit; overflow > 0 {
		limited.data = limited.data[overflow:]
	}
	return len(chunk), nil
}

func (limited *limitedBuffer) tail() string {
	captured := strings.TrimSpace(string(limited.data))
	if captured == "" {
		return "separation process exited with an error"
	}
	lines := strings.Split(captured, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
