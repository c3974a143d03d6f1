package storage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"eino_nlu/internal/core"
)

const modelEntryName = "model"

// ModelService keeps trained models on disk, one gzip tar archive per model
// named <hash>.<lang>.model.
type ModelService struct {
	dir       string
	maxToKeep int
	log       zerolog.Logger
}

func NewModelService(dir string, maxToKeep int, log zerolog.Logger) *ModelService {
	if maxToKeep <= 0 {
		maxToKeep = 2
	}
	return &ModelService{dir: dir, maxToKeep: maxToKeep, log: log}
}

func modelFileName(hash, lang string) string {
	return fmt.Sprintf("%s.%s.model", hash, lang)
}

// Serialize archives a model. The processed output is dropped and the list
// entity caches are dumped along with the artifacts.
func Serialize(model *core.Model) ([]byte, error) {
	data := *model
	if art := model.Data.Artifacts; art != nil {
		withCaches := *art
		withCaches.ListEntityCaches = make(map[string]core.ListCacheDump)
		for _, e := range art.ListEntities {
			if e.Cache != nil {
				withCaches.ListEntityCaches[e.EntityName] = e.Cache.Dump()
			}
		}
		data.Data.Artifacts = &withCaches
	}

	payload, err := sonic.Marshal(&data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal model: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{
		Name:    modelEntryName,
		Mode:    0o644,
		Size:    int64(len(payload)),
		ModTime: model.FinishedAt,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("failed to write model header: %w", err)
	}
	if _, err := tw.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to write model: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close model archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress model: %w", err)
	}
	return buf.Bytes(), nil
}

func Deserialize(archive []byte) (*core.Model, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress model: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("model archive has no %q entry", modelEntryName)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read model archive: %w", err)
		}
		if hdr.Name != modelEntryName {
			continue
		}

		payload, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read model: %w", err)
		}
		var model core.Model
		if err := sonic.Unmarshal(payload, &model); err != nil {
			return nil, fmt.Errorf("failed to unmarshal model: %w", err)
		}
		if model.Success {
			model.Outcome = core.OutcomeOK
		}
		return &model, nil
	}
}

func (s *ModelService) Save(model *core.Model) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}
	archive, err := Serialize(model)
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, modelFileName(model.Hash, model.Language))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, archive, 0o644); err != nil {
		return fmt.Errorf("failed to write model file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move model file: %w", err)
	}

	s.log.Info().Str("hash", model.Hash).Str("language", model.Language).Int("bytes", len(archive)).Msg("model saved")
	return nil
}

// Get reads a model. A model that cannot be read is deleted and reported
// as not found.
func (s *ModelService) Get(hash, lang string) (*core.Model, error) {
	path := filepath.Join(s.dir, modelFileName(hash, lang))
	archive, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s.%s: %w", hash, lang, core.ErrModelNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}

	model, err := Deserialize(archive)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("removing corrupt model")
		if rmErr := os.Remove(path); rmErr != nil {
			s.log.Error().Err(rmErr).Str("path", path).Msg("could not remove corrupt model")
		}
		return nil, fmt.Errorf("%s.%s is corrupt: %w", hash, lang, core.ErrModelNotFound)
	}
	return model, nil
}

type modelFile struct {
	hash    string
	modTime time.Time
	path    string
}

// list returns the models of a language, newest first.
func (s *ModelService) list(lang string) ([]modelFile, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	suffix := "." + lang + ".model"
	var files []modelFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, modelFile{
			hash:    strings.TrimSuffix(e.Name(), suffix),
			modTime: info.ModTime(),
			path:    filepath.Join(s.dir, e.Name()),
		})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	return files, nil
}

// GetLatest returns the newest readable model of a language.
func (s *ModelService) GetLatest(lang string) (*core.Model, error) {
	files, err := s.list(lang)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		model, err := s.Get(f.hash, lang)
		if err == nil {
			return model, nil
		}
		if !errors.Is(err, core.ErrModelNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("latest %s: %w", lang, core.ErrModelNotFound)
}

// Prune deletes all but the newest models of a language.
func (s *ModelService) Prune(lang string) error {
	files, err := s.list(lang)
	if err != nil {
		return err
	}
	if len(files) <= s.maxToKeep {
		return nil
	}
	for _, f := range files[s.maxToKeep:] {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to prune model %s: %w", f.path, err)
		}
		s.log.Debug().Str("path", f.path).Msg("model pruned")
	}
	return nil
}
