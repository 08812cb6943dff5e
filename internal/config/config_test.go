package config

import (
	"strings"
	"testing"

	gateway "github.com/mstiller/switchboard/internal"
)

const baseYAML = `
providers:
  - id: acme
    api_base:
      chat: https://api.acme.example/v1
    api_key: sk-test
    models:
      acme-large:
        kind: chat
        pricing:
          kind: simple
          simple: {input: 10, output: 30}
aliases:
  - id: large
    aliases: [large-latest]
    targets:
      - {provider: acme, model: acme-large}
keys:
  - name: team-a
    secret: key-a
    attribution: platform
`

func TestParseValid(t *testing.T) {
	t.Parallel()
	snap, err := Parse([]byte(baseYAML))
	if err != nil {
		t.Fatal(err)
	}

	p := snap.Providers["acme"]
	if p == nil || !p.Enabled {
		t.Fatalf("provider = %+v", p)
	}
	if p.APIBase[gateway.FamilyChat] != "https://api.acme.example/v1" {
		t.Fatalf("api base = %q", p.APIBase[gateway.FamilyChat])
	}
	if !p.Serves("acme-large", gateway.FamilyChat) {
		t.Fatal("model should be served via chat")
	}

	if snap.AliasIdx["large-latest"] != "large" {
		t.Fatalf("alias index = %v", snap.AliasIdx)
	}
	a := snap.Aliases["large"]
	if a.Selector != SelectorInOrder {
		t.Fatalf("default selector = %q", a.Selector)
	}
	if len(snap.Keys) != 1 || snap.Keys[0].Name != "team-a" || !snap.Keys[0].Enabled {
		t.Fatalf("keys = %+v", snap.Keys)
	}

	// Defaults survive when the YAML says nothing.
	if snap.Server.Addr != ":8080" {
		t.Fatalf("default addr = %q", snap.Server.Addr)
	}
	if snap.Dispatch.MaxAttempts != 4 {
		t.Fatalf("default max attempts = %d", snap.Dispatch.MaxAttempts)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "alias collision",
			yaml: `
providers:
  - id: acme
    api_base: {chat: https://x}
    api_key: k
    models: {m: {}}
aliases:
  - id: large
    targets: [{provider: acme, model: m}]
  - id: big
    aliases: [large]
    targets: [{provider: acme, model: m}]
`,
			want: "collides",
		},
		{
			name: "alias with slash",
			yaml: `
providers:
  - id: acme
    api_base: {chat: https://x}
    api_key: k
    models: {m: {}}
aliases:
  - id: large
    aliases: [acme/m]
    targets: [{provider: acme, model: m}]
`,
			want: "must not contain",
		},
		{
			name: "both auth modes",
			yaml: `
providers:
  - id: acme
    api_base: {chat: https://x}
    api_key: k
    oauth: {provider_kind: anthropic, account_id: a}
    models: {m: {}}
`,
			want: "exactly one",
		},
		{
			name: "no auth mode",
			yaml: `
providers:
  - id: acme
    api_base: {chat: https://x}
    models: {m: {}}
`,
			want: "exactly one",
		},
		{
			name: "oauth sentinel without oauth",
			yaml: `
providers:
  - id: acme
    api_base: {messages: "oauth://"}
    api_key: k
    models: {m: {}}
`,
			want: "oauth",
		},
		{
			name: "unknown selector",
			yaml: `
providers:
  - id: acme
    api_base: {chat: https://x}
    api_key: k
    models: {m: {}}
aliases:
  - id: large
    selector: fastest
    targets: [{provider: acme, model: m}]
`,
			want: "unknown selector",
		},
		{
			name: "alias to unknown provider",
			yaml: `
providers:
  - id: acme
    api_base: {chat: https://x}
    api_key: k
    models: {m: {}}
aliases:
  - id: large
    targets: [{provider: ghost, model: m}]
`,
			want: "unknown provider",
		},
		{
			name: "bad pricing ranges",
			yaml: `
providers:
  - id: acme
    api_base: {chat: https://x}
    api_key: k
    models:
      m:
        pricing:
          kind: ranges
          ranges:
            - {lo: 100, hi: 200}
            - {lo: 0, hi: 100}
`,
			want: "not sorted",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("SWITCHBOARD_TEST_KEY", "sk-expanded")

	snap, err := Parse([]byte(`
providers:
  - id: acme
    api_base: {chat: https://x}
    api_key: "{env:SWITCHBOARD_TEST_KEY}"
    models: {m: {}}
`))
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.Providers["acme"].APIKey; got != "sk-expanded" {
		t.Fatalf("api key = %q", got)
	}
}

func TestMissingEnvDisablesProvider(t *testing.T) {
	t.Parallel()
	snap, err := Parse([]byte(`
providers:
  - id: acme
    api_base: {chat: https://x}
    api_key: "{env:SWITCHBOARD_DEFINITELY_UNSET}"
    models: {m: {}}
`))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Providers["acme"].Enabled {
		t.Fatal("provider with missing env var should be disabled, not fatal")
	}
}

func TestMissingEnvDisablesKey(t *testing.T) {
	t.Parallel()
	snap, err := Parse([]byte(`
keys:
  - name: team-a
    secret: "{env:SWITCHBOARD_DEFINITELY_UNSET}"
`))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Keys[0].Enabled {
		t.Fatal("key with missing env var should be disabled")
	}
}

func TestModelAccessViaDefaultsToAllServedFamilies(t *testing.T) {
	t.Parallel()
	snap, err := Parse([]byte(`
providers:
  - id: acme
    api_base:
      chat: https://x
      messages: https://x
    api_key: k
    models:
      m: {}
      scoped:
        access_via: [chat]
`))
	if err != nil {
		t.Fatal(err)
	}
	p := snap.Providers["acme"]
	if !p.Serves("m", gateway.FamilyChat) || !p.Serves("m", gateway.FamilyMessages) {
		t.Fatal("default access_via should cover all served families")
	}
	if !p.Serves("scoped", gateway.FamilyChat) || p.Serves("scoped", gateway.FamilyMessages) {
		t.Fatal("explicit access_via should restrict families")
	}
}
