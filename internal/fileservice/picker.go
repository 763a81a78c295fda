package fileservice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"golang.org/x/term"

	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// ErrCancelled is returned by a Picker when the user dismissed the selection.
var ErrCancelled = errors.New("selection cancelled")

// Picker chooses a directory.
type Picker interface {
	Pick(ctx context.Context) (string, error)
}

// PickerFunc adapts a function to the Picker interface.
type PickerFunc func(ctx context.Context) (string, error)

// Pick calls f.
func (f PickerFunc) Pick(ctx context.Context) (string, error) {
	return f(ctx)
}

// FixedPicker always returns the same directory.
type FixedPicker struct {
	Dir string
}

// Pick returns p.Dir.
func (p FixedPicker) Pick(ctx context.Context) (string, error) {
	if p.Dir == "" {
		return "", ErrCancelled
	}
	return p.Dir, nil
}

// PromptPicker asks for a directory on the host's terminal.
type PromptPicker struct {
	// Start is the initial suggestion. Defaults to the working directory.
	Start string

	// Stdio overrides the terminal; used by tests.
	Stdio *terminal.Stdio
}

// Pick prompts for a directory. An interrupt or empty answer cancels.
func (p PromptPicker) Pick(ctx context.Context) (string, error) {
	opts := []survey.AskOpt{survey.WithValidator(validateDir)}
	if p.Stdio != nil {
		opts = append(opts, survey.WithStdio(p.Stdio.In, p.Stdio.Out, p.Stdio.Err))
	} else if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("%w: no terminal available for the folder prompt", protocol.ErrIO)
	}

	start := p.Start
	if start == "" {
		start, _ = os.Getwd()
	}

	prompt := &survey.Input{
		Message: "Open folder:",
		Default: start,
		Suggest: suggestDirs,
	}

	type answer struct {
		dir string
		err error
	}
	done := make(chan answer, 1)
	go func() {
		var dir string
		err := survey.AskOne(prompt, &dir, opts...)
		done <- answer{dir, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-done:
		if errors.Is(a.err, terminal.InterruptErr) {
			return "", ErrCancelled
		}
		if a.err != nil {
			return "", a.err
		}
		if strings.TrimSpace(a.dir) == "" {
			return "", ErrCancelled
		}
		return expandHome(strings.TrimSpace(a.dir)), nil
	}
}

func validateDir(ans interface{}) error {
	s, _ := ans.(string)
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	info, err := os.Stat(expandHome(s))
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s)
	}
	return nil
}

func suggestDirs(toComplete string) []string {
	matches, _ := filepath.Glob(expandHome(toComplete) + "*")
	var dirs []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			dirs = append(dirs, m+string(filepath.Separator))
		}
	}
	return dirs
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~"+string(filepath.Separator)) {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}
