package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// LineCallback is called for every line the recognizer prints.
type LineCallback func(line string)

// Run executes a tesseract-compatible CLI as `<ocrPath> <input> stdout -l <lang>`
// and returns the cleaned text.
func Run(ctx context.Context, ocrPath, lang, inputPath string, onLine LineCallback) (string, error) {
	args := []string{inputPath, "stdout"}
	if lang != "" {
		args = append(args, "-l", lang)
	}

	cmd := exec.CommandContext(ctx, ocrPath, args...)
	cmd.Env = filteredEnv()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start ocr: %w", err)
	}

	var raw strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		raw.WriteString(line)
		raw.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			return "", fmt.Errorf("ocr exited: %w", err)
		}
		return "", fmt.Errorf("ocr exited: %w: %s", err, detail)
	}
	if scanErr != nil {
		return "", fmt.Errorf("read ocr output: %w", scanErr)
	}

	return PostProcess(raw.String()), nil
}

// filteredEnv returns os.Environ() without the stand-in's own OCRSTUB_ settings.
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "OCRSTUB_") {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}
