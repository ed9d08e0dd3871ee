// Package ocr recognizes text in page images with the tesseract engine.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const (
	defaultBinary   = "tesseract"
	defaultLanguage = "por"
	defaultOptions  = "--psm 6"
)

// Config selects the engine binary, language pack and page segmentation options.
type Config struct {
	Binary   string
	Language string
	// Options is split on whitespace and passed after the language, e.g. "--psm 6".
	Options string
}

// Tesseract implements document.Recognizer.
type Tesseract struct {
	binary string
	args   []string
}

// New builds a Tesseract recognizer.
func New(cfg Config) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.Options == "" {
		cfg.Options = defaultOptions
	}
	args := []string{"stdin", "stdout", "-l", cfg.Language}
	args = append(args, strings.Fields(cfg.Options)...)
	return &Tesseract{binary: cfg.Binary, args: args}
}

// Recognize returns the text found in img.
func (t *Tesseract) Recognize(ctx context.Context, img []byte) (string, error) {
	if len(img) == 0 {
		return "", errors.New("recognize: empty image")
	}
	cmd := exec.CommandContext(ctx, t.binary, t.args...)
	cmd.Stdin = bytes.NewReader(img)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", t.binary, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
