// Package prompts loads the system prompts and few-shot turns that frame
// every completion request.
package prompts

import (
	"bufio"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"alma/backend/internal/model"
)

const (
	StyleFile   = "alma-style.md"
	DialogFile  = "alma-dialog.md"
	OutputFile  = "alma-output.md"
	FewShotFile = "alma-fewshot.md"
)

//go:embed defaults/*.md
var defaultsFS embed.FS

// Set is the static part of every prompt.
type Set struct {
	// System holds the system prompts in the order they are sent.
	System []string
	// FewShot holds example turns placed between system prompts and history.
	FewShot []model.Message
}

var sections = []struct {
	file    string
	heading string
}{
	{StyleFile, "# CONTEXTO Y ESTILO"},
	{DialogFile, "# GUÍA DE DIÁLOGO"},
	{OutputFile, "# FORMATO DE SALIDA"},
}

// Load reads the prompt files from dir. Files missing from dir, or an empty
// dir, fall back to the built-in defaults. Any other read error is returned.
func Load(dir string) (*Set, error) {
	set := &Set{}
	for _, s := range sections {
		text, err := readPrompt(dir, s.file)
		if err != nil {
			return nil, err
		}
		if text == "" {
			continue
		}
		set.System = append(set.System, s.heading+"\n"+text)
	}

	fewShot, err := readPrompt(dir, FewShotFile)
	if err != nil {
		return nil, err
	}
	set.FewShot = ParseFewShot(fewShot)

	slog.Info("Prompts loaded", "dir", dir, "system_prompts", len(set.System), "fewshot_turns", len(set.FewShot))
	return set, nil
}

func readPrompt(dir, name string) (string, error) {
	if dir != "" {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		switch {
		case err == nil:
			return strings.TrimSpace(string(raw)), nil
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("Prompt file not found, using built-in default", "file", name, "dir", dir)
		default:
			return "", fmt.Errorf("failed to read prompt %s: %w", name, err)
		}
	}
	raw, err := defaultsFS.ReadFile("defaults/" + name)
	if err != nil {
		return "", fmt.Errorf("failed to read built-in prompt %s: %w", name, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

var (
	userPrefixes      = []string{"User:", "Usuario:"}
	assistantPrefixes = []string{"Assistant:", "Asistente:", "Alma:"}
)

func cutPrefix(line string, prefixes []string) (string, bool) {
	for _, p := range prefixes {
		if len(line) >= len(p) && strings.EqualFold(line[:len(p)], p) {
			return strings.TrimSpace(line[len(p):]), true
		}
	}
	return "", false
}

// ParseFewShot turns a transcript of "User:"/"Assistant:" blocks (or their
// Spanish forms) into example turns. Text before the first marker is
// ignored; lines after a marker continue that turn.
func ParseFewShot(text string) []model.Message {
	var turns []model.Message
	var current *model.Message
	var body []string

	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.TrimSpace(strings.Join(body, "\n"))
		if current.Content != "" {
			turns = append(turns, *current)
		}
		current, body = nil, nil
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if rest, ok := cutPrefix(trimmed, userPrefixes); ok {
			flush()
			current = &model.Message{Role: model.RoleUser}
			body = []string{rest}
			continue
		}
		if rest, ok := cutPrefix(trimmed, assistantPrefixes); ok {
			flush()
			current = &model.Message{Role: model.RoleAssistant}
			body = []string{rest}
			continue
		}
		if current != nil {
			body = append(body, line)
		}
	}
	flush()
	return turns
}
