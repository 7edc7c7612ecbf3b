package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"homewatch/models"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	yaml "go.yaml.in/yaml/v3"
)

// thresholdsFile is the on-disk layout:
//
//	thresholds:
//	  temperature: {min: 18, max: 30, unit: "°C"}
//	  co: {max: 50, unit: ppm}
type thresholdsFile struct {
	Thresholds map[string]models.Bounds `yaml:"thresholds"`
}

// ParseThresholds decodes a YAML threshold document
func ParseThresholds(data []byte) (models.ThresholdConfig, error) {
	var f thresholdsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if len(f.Thresholds) == 0 {
		return nil, fmt.Errorf("no thresholds defined")
	}
	cfg := make(models.ThresholdConfig, len(f.Thresholds))
	for name, b := range f.Thresholds {
		st, err := models.ParseSensorType(name)
		if err != nil {
			return nil, err
		}
		if b.Min == nil && b.Max == nil {
			return nil, fmt.Errorf("thresholds for %s define neither min nor max", st)
		}
		if b.Min != nil && b.Max != nil && *b.Min > *b.Max {
			return nil, fmt.Errorf("thresholds for %s: min %v exceeds max %v", st, *b.Min, *b.Max)
		}
		cfg[st] = b
	}
	return cfg, nil
}

// LoadThresholds reads a threshold file, or returns the defaults when path is empty
func LoadThresholds(path string) (models.ThresholdConfig, error) {
	if path == "" {
		return models.DefaultThresholds(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thresholds: %w", err)
	}
	return ParseThresholds(data)
}

// ThresholdStore holds the active threshold config. Readers never observe a partially updated config.
type ThresholdStore struct {
	path    string
	current atomic.Pointer[models.ThresholdConfig]
	logger  *zap.Logger
}

// NewThresholdStore loads the initial config from path (defaults when empty)
func NewThresholdStore(path string, logger *zap.Logger) (*ThresholdStore, error) {
	cfg, err := LoadThresholds(path)
	if err != nil {
		return nil, err
	}
	s := &ThresholdStore{path: path, logger: logger}
	s.current.Store(&cfg)
	return s, nil
}

// Current returns the active config
func (s *ThresholdStore) Current() models.ThresholdConfig {
	return *s.current.Load()
}

// Swap replaces the whole config
func (s *ThresholdStore) Swap(cfg models.ThresholdConfig) {
	s.current.Store(&cfg)
}

// Reload re-reads the file and swaps it in. On error the previous config stays active.
func (s *ThresholdStore) Reload() error {
	cfg, err := LoadThresholds(s.path)
	if err != nil {
		return err
	}
	s.Swap(cfg)
	s.logger.Info("Thresholds reloaded",
		zap.String("path", s.path),
		zap.Int("sensor_types", len(cfg)))
	return nil
}

// Watch reloads the thresholds file whenever it changes until ctx is done
func (s *ThresholdStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(s.path)
	file := filepath.Join(dir, filepath.Base(s.path))

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if err := s.Reload(); err != nil {
				s.logger.Warn("Ignoring invalid thresholds file", zap.String("path", s.path), zap.Error(err))
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.Events:
			if ev.Name == file && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err := <-w.Errors:
			s.logger.Warn("Thresholds watcher error", zap.Error(err))
		}
	}
}
