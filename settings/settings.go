// Package settings loads the notification settings yaml file and reloads it
// on change.
package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
	"gopkg.in/yaml.v3"

	"github.com/mqy/minichat/notify"
)

type RateLimit struct {
	Max int           `yaml:"max"`
	Per time.Duration `yaml:"per"`
}

type Notifications struct {
	// Enabled defaults to true when absent.
	Enabled        *bool         `yaml:"enabled"`
	MaxBodyRunes   int           `yaml:"max_body_runes"`
	SenderThrottle time.Duration `yaml:"sender_throttle"`
	RateLimit      RateLimit     `yaml:"rate_limit"`
}

// File is the settings file, e.g.
//
//	notifications:
//	  enabled: true
//	  max_body_runes: 50
//	  sender_throttle: 3s
//	  rate_limit:
//	    max: 5
//	    per: 1m
type File struct {
	Notifications Notifications `yaml:"notifications"`
}

func (f *File) validate() error {
	n := f.Notifications
	if n.MaxBodyRunes < 0 {
		return fmt.Errorf("max_body_runes must not be negative")
	}
	if n.SenderThrottle < 0 {
		return fmt.Errorf("sender_throttle must not be negative")
	}
	if n.RateLimit.Max < 0 || n.RateLimit.Per < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if (n.RateLimit.Max > 0) != (n.RateLimit.Per > 0) {
		return fmt.Errorf("rate_limit requires both max and per")
	}
	return nil
}

func (f *File) NotifySettings() notify.Settings {
	n := f.Notifications
	s := notify.DefaultSettings()
	if n.Enabled != nil {
		s.Enabled = *n.Enabled
	}
	s.MaxBodyRunes = n.MaxBodyRunes
	s.SenderThrottle = n.SenderThrottle
	s.RateLimit = notify.RateLimit{Max: n.RateLimit.Max, Per: n.RateLimit.Per}
	return s
}

func Parse(data []byte) (*File, error) {
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return f, nil
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return Parse(data)
}

// Watch reloads the file on every change and calls onChange with the new
// value, until ctx is done. Invalid content is logged and skipped.
func Watch(ctx context.Context, path string, onChange func(*File)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()

	// Watch the dir: editors replace the file by rename.
	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	glog.Infof("settings: watching %s", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			f, err := Load(path)
			if err != nil {
				glog.Errorf("settings: reload %s: %v", path, err)
				continue
			}
			glog.Infof("settings: reloaded %s", path)
			onChange(f)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			glog.Errorf("settings: watch error: %v", err)
		}
	}
}
