package xray

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"proxyfleet/internal/model"
)

const sampleConfig = `{
  "log": {"loglevel": "warning"},
  "api": {"tag": "api", "services": ["StatsService"]},
  "stats": {},
  "inbounds": [
    {
      "tag": "api",
      "listen": "127.0.0.1",
      "port": 10085,
      "protocol": "dokodemo-door",
      "settings": {"address": "127.0.0.1"}
    },
    {
      "tag": "vless-in",
      "listen": "0.0.0.0",
      "port": 443,
      "protocol": "vless",
      "settings": {
        "clients": [
          {"id": "11111111-1111-1111-1111-111111111111", "email": "alice@example.com", "flow": "xtls-rprx-vision"}
        ],
        "decryption": "none"
      },
      "streamSettings": {"network": "tcp", "security": "reality", "realitySettings": {"dest": "www.example.com:443"}}
    }
  ],
  "outbounds": [{"protocol": "freedom", "tag": "direct"}],
  "routing": {"rules": [{"type": "field", "inboundTag": ["api"], "outboundTag": "api"}]}
}
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestCurrentClients_ByTag(t *testing.T) {
	t.Parallel()

	path := writeSample(t)
	clients, err := CurrentClients(path, "vless-in")
	if err != nil {
		t.Fatalf("CurrentClients: %v", err)
	}
	if len(clients) != 1 || clients[0].Email != "alice@example.com" {
		t.Fatalf("clients=%+v", clients)
	}
}

func TestCurrentClients_FirstVlessWhenNoTag(t *testing.T) {
	t.Parallel()

	path := writeSample(t)
	clients, err := CurrentClients(path, "")
	if err != nil {
		t.Fatalf("CurrentClients: %v", err)
	}
	if len(clients) != 1 || clients[0].ID != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("clients=%+v", clients)
	}
}

func TestCurrentClients_UnknownTag(t *testing.T) {
	t.Parallel()

	path := writeSample(t)
	if _, err := CurrentClients(path, "nope"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCurrentClients_Malformed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := CurrentClients(path, "vless-in"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWriteClients_ReplacesSetPreservesRest(t *testing.T) {
	t.Parallel()

	path := writeSample(t)
	desired := []model.ClientDescriptor{
		{ID: "22222222-2222-2222-2222-222222222222", Email: "bob@example.com"},
		{ID: "33333333-3333-3333-3333-333333333333", Email: "carol@example.com"},
	}
	if err := WriteClients(path, "vless-in", "xtls-rprx-vision", desired); err != nil {
		t.Fatalf("WriteClients: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(raw)
	if !strings.HasSuffix(text, "\n") {
		t.Fatalf("missing trailing newline")
	}
	for _, want := range []string{
		"bob@example.com",
		"carol@example.com",
		"xtls-rprx-vision",
		"realitySettings",
		"decryption",
		"dokodemo-door",
		"routing",
		"StatsService",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("rewritten config lost %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "alice@example.com") {
		t.Fatalf("old client survived rewrite")
	}

	clients, err := CurrentClients(path, "vless-in")
	if err != nil {
		t.Fatalf("CurrentClients after write: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("clients=%+v", clients)
	}

	// The rewrite must stay valid JSON end to end.
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("rewritten config is not JSON: %v", err)
	}
}

func TestWriteClients_EmptySetWipesClients(t *testing.T) {
	t.Parallel()

	path := writeSample(t)
	if err := WriteClients(path, "vless-in", "", nil); err != nil {
		t.Fatalf("WriteClients: %v", err)
	}
	clients, err := CurrentClients(path, "vless-in")
	if err != nil {
		t.Fatalf("CurrentClients: %v", err)
	}
	if len(clients) != 0 {
		t.Fatalf("clients=%+v", clients)
	}
}

func TestWriteClients_KeepsFileMode(t *testing.T) {
	t.Parallel()

	path := writeSample(t)
	if err := os.Chmod(path, 0o640); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if err := WriteClients(path, "vless-in", "", nil); err != nil {
		t.Fatalf("WriteClients: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}
}

func TestWriteClients_MissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.json")
	err := WriteClients(path, "vless-in", "", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
}
