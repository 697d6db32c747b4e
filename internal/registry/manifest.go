package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tiger/callsurface/api/callmodel"
	"github.com/tiger/callsurface/api/consumer"
)

// manifestSchema validates consumer manifest files before classification.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["process", "tenant", "capabilities"],
  "properties": {
    "process": {"type": "string", "minLength": 1},
    "tenant": {"type": "string", "minLength": 1},
    "enabled": {"type": "boolean"},
    "capabilities": {
      "type": "object",
      "properties": {
        "ui": {"type": "boolean"},
        "default_dialer": {"type": "boolean"},
        "system": {"type": "boolean"},
        "vehicle_mode": {"type": "boolean"},
        "companion": {"type": "boolean"},
        "peripheral_audio": {"type": "boolean"},
        "self_managed": {"type": "boolean"},
        "external_calls": {"type": "boolean"},
        "contacts": {"type": "boolean"},
        "cross_tenant": {"type": "boolean"},
        "persistent": {"type": "boolean"}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

const schemaResource = "callsurface/consumer-manifest.schema.json"

var compiledManifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("add manifest schema resource: %v", err))
	}
	return compiler.MustCompile(schemaResource)
}

// Manifest is one consumer process declaration, read from a JSON file in the
// manifest directory.
type Manifest struct {
	Process      string                `json:"process"`
	Tenant       callmodel.Tenant      `json:"tenant"`
	Enabled      *bool                 `json:"enabled,omitempty"`
	Capabilities consumer.Capabilities `json:"capabilities"`
}

// IsEnabled reports whether the manifest declares itself enabled; missing
// means enabled.
func (m Manifest) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ParseManifest validates raw manifest bytes against the schema and decodes
// them.
func ParseManifest(raw []byte) (Manifest, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if err := compiledManifestSchema.Validate(payload); err != nil {
		return Manifest{}, fmt.Errorf("manifest schema: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return manifest, nil
}

// LoadDir reads every *.json manifest in dir in deterministic order.
func LoadDir(dir string) ([]Manifest, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() || filepath.Ext(item.Name()) != ".json" {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)

	manifests := make([]Manifest, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", name, err)
		}
		manifest, err := ParseManifest(raw)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", name, err)
		}
		manifests = append(manifests, manifest)
	}
	return manifests, nil
}

// Classify maps declared capabilities to exactly one role in a single fixed
// pass: peripheral audio, then vehicle UI, then default dialer, then system
// UI, then companion; everything else is a non-UI observer.
func Classify(caps consumer.Capabilities) consumer.Role {
	switch {
	case caps.PeripheralAudio:
		return consumer.RolePeripheralAudio
	case caps.UI && caps.VehicleMode:
		return consumer.RoleVehicleUI
	case caps.UI && caps.DefaultDialer:
		return consumer.RoleDefaultUI
	case caps.UI && caps.System:
		return consumer.RoleSystemUI
	case caps.Companion:
		return consumer.RoleCompanion
	default:
		return consumer.RoleNonUI
	}
}

// Identity classifies a manifest into a consumer identity.
func (m Manifest) Identity() (consumer.Identity, error) {
	id := consumer.Identity{
		Process:      m.Process,
		Tenant:       m.Tenant,
		Role:         Classify(m.Capabilities),
		Capabilities: m.Capabilities,
	}
	if err := id.Validate(); err != nil {
		return consumer.Identity{}, err
	}
	return id, nil
}
