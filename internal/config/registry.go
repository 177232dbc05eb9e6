package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

const defaultLocalModelID = "qwen3:0.6b"

// Device placements understood by the local worker.
const (
	DeviceGPU = "gpu"
	DeviceCPU = "cpu"
)

// ModelEntry describes one locally runnable model.
type ModelEntry struct {
	ID             string            `toml:"id" validate:"required"`
	Name           string            `toml:"name" validate:"required"`
	Dtype          string            `toml:"dtype" validate:"required"`
	Device         string            `toml:"device" validate:"oneof=gpu cpu"`
	FallbackDevice string            `toml:"fallback_device" validate:"omitempty,oneof=gpu cpu"`
	FallbackDtype  string            `toml:"fallback_dtype"`
	Reasoning      bool              `toml:"reasoning"`
	Variants       map[string]string `toml:"variants"`
}

// Registry is the table of local models keyed by id.
type Registry struct {
	Models []ModelEntry `toml:"models" validate:"dive"`
}

// DefaultRegistry lists the models shipped with the client.
func DefaultRegistry() Registry {
	return Registry{Models: []ModelEntry{
		{
			ID:             "qwen3:0.6b",
			Name:           "Qwen3 0.6B",
			Dtype:          "q4_K_M",
			Device:         DeviceGPU,
			FallbackDevice: DeviceCPU,
			FallbackDtype:  "q4_K_M",
			Reasoning:      true,
			Variants: map[string]string{
				"q4_K_M": "qwen3:0.6b-q4_K_M",
				"fp16":   "qwen3:0.6b-fp16",
			},
		},
		{
			ID:             "deepseek-r1:1.5b",
			Name:           "DeepSeek R1 Distill 1.5B",
			Dtype:          "q4_K_M",
			Device:         DeviceGPU,
			FallbackDevice: DeviceCPU,
			FallbackDtype:  "q4_K_M",
			Reasoning:      true,
			Variants: map[string]string{
				"q4_K_M": "deepseek-r1:1.5b-qwen-distill-q4_K_M",
			},
		},
		{
			ID:             "llama3.2:1b",
			Name:           "Llama 3.2 1B Instruct",
			Dtype:          "q8_0",
			Device:         DeviceGPU,
			FallbackDevice: DeviceCPU,
			FallbackDtype:  "q4_K_M",
			Variants: map[string]string{
				"q8_0":   "llama3.2:1b-instruct-q8_0",
				"q4_K_M": "llama3.2:1b-instruct-q4_K_M",
			},
		},
		{
			ID:     "gemma3:1b",
			Name:   "Gemma 3 1B",
			Dtype:  "q4_K_M",
			Device: DeviceCPU,
		},
	}}
}

// DefaultRegistryPath returns the registry override location.
func DefaultRegistryPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, registryFileName), nil
}

// LoadRegistry merges entries from path over the defaults. Entries with an
// existing id replace the built-in one; new ids are appended.
func LoadRegistry(path string) (Registry, error) {
	reg := DefaultRegistry()
	if path == "" {
		return reg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return reg, nil
		}
		return reg, err
	}
	var extra Registry
	if _, err := toml.DecodeFile(path, &extra); err != nil {
		return reg, fmt.Errorf("decode registry %s: %w", path, err)
	}
	if err := validate.Struct(extra); err != nil {
		return reg, fmt.Errorf("invalid registry %s: %w", path, err)
	}
	for _, entry := range extra.Models {
		reg.upsert(entry)
	}
	return reg, nil
}

func (r *Registry) upsert(entry ModelEntry) {
	for i := range r.Models {
		if r.Models[i].ID == entry.ID {
			r.Models[i] = entry
			return
		}
	}
	r.Models = append(r.Models, entry)
}

// Lookup finds a model by id.
func (r Registry) Lookup(id string) (ModelEntry, bool) {
	for _, entry := range r.Models {
		if entry.ID == id {
			return entry, true
		}
	}
	return ModelEntry{}, false
}

// IDs returns model ids in sorted order.
func (r Registry) IDs() []string {
	ids := make([]string, 0, len(r.Models))
	for _, entry := range r.Models {
		ids = append(ids, entry.ID)
	}
	sort.Strings(ids)
	return ids
}

// Tag resolves the runtime model tag for a dtype, falling back to the id.
func (e ModelEntry) Tag(dtype string) string {
	if tag, ok := e.Variants[dtype]; ok && tag != "" {
		return tag
	}
	return e.ID
}
