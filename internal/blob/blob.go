// Package blob stores uploaded media under keys derived from the task id.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

var ErrNotFound = errors.New("blob not found")

// Store uploads, downloads and removes media blobs.
type Store interface {
	Upload(ctx context.Context, key string, r io.Reader, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

// Key derives the blob key for a task: "{taskID}_{originalFilename}".
// Directory components of the filename are dropped.
func Key(taskID, originalFilename string) string {
	name := filepath.Base(strings.ReplaceAll(originalFilename, "\\", "/"))
	if name == "." || name == "/" {
		name = "upload"
	}
	return taskID + "_" + name
}

// Options holds backend settings decoded from the loose config map.
type Options struct {
	// local
	Dir string `mapstructure:"dir"`

	// azure
	ConnectionString string `mapstructure:"connection_string"`
	AccountURL       string `mapstructure:"account_url"`
	Container        string `mapstructure:"container"`

	// http
	URL     string        `mapstructure:"url"`
	Bucket  string        `mapstructure:"bucket"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DecodeOptions turns config options into Options.
func DecodeOptions(raw map[string]any) (Options, error) {
	var opts Options
	if len(raw) == 0 {
		return opts, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, fmt.Errorf("blob options decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return opts, fmt.Errorf("decode blob options: %w", err)
	}
	return opts, nil
}

// Open builds the backend named by backend. defaultDir is used by the local
// backend when no dir option is set.
func Open(backend string, raw map[string]any, defaultDir string) (Store, error) { //nolint:ireturn
	opts, err := DecodeOptions(raw)
	if err != nil {
		return nil, err
	}
	switch backend {
	case "", "local":
		dir := opts.Dir
		if dir == "" {
			dir = defaultDir
		}
		local, err := NewLocalStore(dir)
		if err != nil {
			return nil, err
		}
		return local, nil
	case "azure":
		az, err := NewAzureStore(opts)
		if err != nil {
			return nil, err
		}
		return az, nil
	case "http":
		hs, err := NewHTTPStore(opts)
		if err != nil {
			return nil, err
		}
		return hs, nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", backend)
	}
}
