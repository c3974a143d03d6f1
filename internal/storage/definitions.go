package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytedance/sonic"

	"eino_nlu/pkg"
)

// DefinitionStore reads the authored intents and entities of bots from
// <root>/<bot>/intents/*.json and <root>/<bot>/entities/*.json.
type DefinitionStore struct {
	root string
}

func NewDefinitionStore(root string) *DefinitionStore {
	return &DefinitionStore{root: root}
}

// BotDir is the directory holding the definitions of a bot.
func (d *DefinitionStore) BotDir(botID string) string {
	return filepath.Join(d.root, botID)
}

func readJSONDir[T any](dir string) ([]T, []string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	items := make([]T, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		var item T
		if err := sonic.Unmarshal(raw, &item); err != nil {
			return nil, nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		items = append(items, item)
	}
	return items, names, nil
}

// Intents returns the intents of a bot sorted by file name.
func (d *DefinitionStore) Intents(botID string) ([]pkg.IntentDefinition, error) {
	intents, files, err := readJSONDir[pkg.IntentDefinition](filepath.Join(d.BotDir(botID), "intents"))
	if err != nil {
		return nil, err
	}
	for i := range intents {
		intents[i].Filename = files[i]
	}
	return intents, nil
}

// Entities returns the custom entities of a bot sorted by file name.
func (d *DefinitionStore) Entities(botID string) ([]pkg.EntityDefinition, error) {
	ents, _, err := readJSONDir[pkg.EntityDefinition](filepath.Join(d.BotDir(botID), "entities"))
	return ents, err
}

func (d *DefinitionStore) write(botID, kind, name string, v any) error {
	dir := filepath.Join(d.BotDir(botID), kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	raw, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (d *DefinitionStore) SaveIntent(botID string, intent pkg.IntentDefinition) error {
	intent.Filename = ""
	return d.write(botID, "intents", intent.Name, intent)
}

func (d *DefinitionStore) SaveEntity(botID string, entity pkg.EntityDefinition) error {
	return d.write(botID, "entities", entity.Name, entity)
}
