package xray

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"proxyfleet/internal/model"
)

// Client is one entry of an inbound's clients array.
type Client struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Flow  string `json:"flow,omitempty"`
}

// inboundRef points into a parsed config document at the one inbound this
// package is allowed to touch. All sibling fields stay as raw JSON so a
// rewrite cannot drop settings it does not know about.
type inboundRef struct {
	doc      map[string]json.RawMessage
	inbounds []json.RawMessage
	index    int
	inbound  map[string]json.RawMessage
	settings map[string]json.RawMessage
}

// CurrentClients reads the enforced client set from an xray config file.
func CurrentClients(path, inboundTag string) ([]model.ClientDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ref, err := parseConfig(data, inboundTag)
	if err != nil {
		return nil, err
	}

	var clients []Client
	if raw, ok := ref.settings["clients"]; ok {
		if err := json.Unmarshal(raw, &clients); err != nil {
			return nil, fmt.Errorf("parse clients: %w", err)
		}
	}

	out := make([]model.ClientDescriptor, 0, len(clients))
	for _, c := range clients {
		out = append(out, model.ClientDescriptor{ID: c.ID, Email: c.Email})
	}
	return out, nil
}

// WriteClients replaces the selected inbound's clients array with the given
// set and rewrites the file atomically (temp file, fsync, rename). Unknown
// fields are preserved; formatting and key order are not.
func WriteClients(path, inboundTag, flow string, clients []model.ClientDescriptor) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ref, err := parseConfig(data, inboundTag)
	if err != nil {
		return err
	}

	entries := make([]Client, 0, len(clients))
	for _, c := range clients {
		entries = append(entries, Client{ID: c.ID, Email: c.Email, Flow: flow})
	}
	rawClients, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	ref.settings["clients"] = rawClients

	rawSettings, err := json.Marshal(ref.settings)
	if err != nil {
		return err
	}
	ref.inbound["settings"] = rawSettings

	rawInbound, err := json.Marshal(ref.inbound)
	if err != nil {
		return err
	}
	ref.inbounds[ref.index] = rawInbound

	rawInbounds, err := json.Marshal(ref.inbounds)
	if err != nil {
		return err
	}
	ref.doc["inbounds"] = rawInbounds

	out, err := json.MarshalIndent(ref.doc, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')

	perm := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	return atomicWriteFile(path, out, perm)
}

func parseConfig(data []byte, inboundTag string) (*inboundRef, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	rawInbounds, ok := doc["inbounds"]
	if !ok {
		return nil, fmt.Errorf("config has no inbounds")
	}
	var inbounds []json.RawMessage
	if err := json.Unmarshal(rawInbounds, &inbounds); err != nil {
		return nil, fmt.Errorf("parse inbounds: %w", err)
	}

	for i, raw := range inbounds {
		var inbound map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inbound); err != nil {
			return nil, fmt.Errorf("parse inbound %d: %w", i, err)
		}
		if !matchesInbound(inbound, inboundTag) {
			continue
		}
		settings := map[string]json.RawMessage{}
		if raw, ok := inbound["settings"]; ok {
			if err := json.Unmarshal(raw, &settings); err != nil {
				return nil, fmt.Errorf("parse inbound %d settings: %w", i, err)
			}
		}
		return &inboundRef{doc: doc, inbounds: inbounds, index: i, inbound: inbound, settings: settings}, nil
	}

	if inboundTag != "" {
		return nil, fmt.Errorf("no inbound with tag %q", inboundTag)
	}
	return nil, fmt.Errorf("no vless inbound found")
}

// matchesInbound selects by tag when one is configured, otherwise the
// first vless inbound wins.
func matchesInbound(inbound map[string]json.RawMessage, tag string) bool {
	if tag != "" {
		return stringField(inbound, "tag") == tag
	}
	return stringField(inbound, "protocol") == "vless"
}

func stringField(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
