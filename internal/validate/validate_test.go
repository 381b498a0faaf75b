package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validStack() map[string]any {
	return map[string]any{
		"name": "webapp",
		"mode": "composition",
		"services": map[string]any{
			"web": map[string]any{
				"image":   "nginx:1.27",
				"ports":   []any{"8080:80"},
				"volumes": []any{"$_data:/var/lib/app"},
				"secrets": []any{"app_secret"},
				"environment": map[string]any{
					"LOG_LEVEL": "info",
				},
				"restart": "always",
			},
		},
		"secrets": map[string]any{
			"app_secret": map[string]any{"value": "supersecret"},
		},
		"networks": map[string]any{
			"front": nil,
		},
	}
}

func findByPath(t *testing.T, errs Errors, path string) FieldError {
	t.Helper()
	for _, e := range errs {
		if e.Path == path {
			return e
		}
	}
	t.Fatalf("no violation at %q in %v", path, errs)
	return FieldError{}
}

func TestValidateCleanStack(t *testing.T) {
	errs := Validate(validStack())
	assert.Empty(t, errs)
}

func TestValidateDeployRequiresOrchestratedMode(t *testing.T) {
	m := validStack()
	web := m["services"].(map[string]any)["web"].(map[string]any)
	web["deploy"] = map[string]any{"replicas": 3}

	errs := Validate(m)
	require.Len(t, errs, 1)
	e := errs[0]
	assert.Equal(t, "services.web.deploy", e.Path)
	assert.Equal(t, "mode=orchestrated", e.Expected)
	assert.Equal(t, "mode=composition", e.Actual)
	assert.Equal(t, "deploy block requires orchestrated mode", e.Message)
	assert.Equal(t, KindConfig, e.Kind)
}

func TestValidateDeployAllowedInOrchestratedMode(t *testing.T) {
	m := validStack()
	m["mode"] = "orchestrated"
	web := m["services"].(map[string]any)["web"].(map[string]any)
	web["deploy"] = map[string]any{
		"replicas": 3,
		"placement": map[string]any{
			"constraints": []any{"node.role == worker"},
		},
	}

	assert.Empty(t, Validate(m))
}

func TestValidateUnknownSecretReference(t *testing.T) {
	m := validStack()
	web := m["services"].(map[string]any)["web"].(map[string]any)
	web["secrets"] = []any{"app_secret", "missing_secret"}

	errs := Validate(m)
	require.Len(t, errs, 1)
	e := errs[0]
	assert.Equal(t, "services.web.secrets[1]", e.Path)
	assert.Equal(t, KindReference, e.Kind)
	assert.Contains(t, e.Message, "unknown secret")
}

func TestValidateUnknownNetworkReference(t *testing.T) {
	m := validStack()
	web := m["services"].(map[string]any)["web"].(map[string]any)
	web["networks"] = []any{"back"}

	errs := Validate(m)
	require.Len(t, errs, 1)
	assert.Equal(t, "services.web.networks[0]", errs[0].Path)
	assert.Equal(t, KindReference, errs[0].Kind)
}

func TestValidateCollectsAllViolations(t *testing.T) {
	m := validStack()
	m["mode"] = "clustered"
	m["allow_prune"] = "yes"
	web := m["services"].(map[string]any)["web"].(map[string]any)
	web["ports"] = []any{"8080:80", "nonsense", "70000:80"}
	web["restart"] = "sometimes"

	errs := Validate(m)
	paths := make([]string, len(errs))
	for i, e := range errs {
		paths[i] = e.Path
	}
	assert.ElementsMatch(t, []string{
		"mode",
		"allow_prune",
		"services.web.ports[1]",
		"services.web.ports[2]",
		"services.web.restart",
	}, paths)
}

func TestValidateNameRules(t *testing.T) {
	cases := []struct {
		name    string
		value   any
		message string
	}{
		{"missing", nil, "stack name is required"},
		{"empty", "", "stack name is required"},
		{"slash", "web/app", "path separators"},
		{"dotdot", "..", "path separators"},
		{"leading dash", "-webapp", "path separators"},
		{"non-string", 42, "stack name is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validStack()
			if tc.value == nil {
				delete(m, "name")
			} else {
				m["name"] = tc.value
			}
			errs := Validate(m)
			e := findByPath(t, errs, "name")
			assert.Contains(t, e.Message, tc.message)
		})
	}
}

func TestValidateUnknownKeys(t *testing.T) {
	m := validStack()
	m["replicas"] = 3
	web := m["services"].(map[string]any)["web"].(map[string]any)
	web["build"] = "./app"

	errs := Validate(m)
	require.Len(t, errs, 2)
	assert.Equal(t, "unknown field", findByPath(t, errs, "replicas").Message)
	assert.Equal(t, "unknown field", findByPath(t, errs, "services.web.build").Message)
}

func TestValidateImage(t *testing.T) {
	m := validStack()
	web := m["services"].(map[string]any)["web"].(map[string]any)

	delete(web, "image")
	errs := Validate(m)
	assert.Contains(t, findByPath(t, errs, "services.web.image").Message, "required")

	web["image"] = "UPPER/Case:bad"
	errs = Validate(m)
	e := findByPath(t, errs, "services.web.image")
	assert.Equal(t, KindConfig, e.Kind)
	assert.Equal(t, `"UPPER/Case:bad"`, e.Actual)
}

func TestValidateStructuredPorts(t *testing.T) {
	m := validStack()
	web := m["services"].(map[string]any)["web"].(map[string]any)
	web["ports"] = []any{
		map[string]any{"published": 8080, "target": 80, "protocol": "tcp"},
		map[string]any{"published": 0, "target": 80},
		map[string]any{"published": 8081, "target": 80, "protocol": "sctp"},
		map[string]any{"published": 8082, "target": 80, "mode": "host"},
	}

	errs := Validate(m)
	assert.Contains(t, findByPath(t, errs, "services.web.ports[1].published").Message, "outside range")
	assert.Contains(t, findByPath(t, errs, "services.web.ports[2].protocol").Message, "unknown protocol")
	assert.Equal(t, "unknown field", findByPath(t, errs, "services.web.ports[3].mode").Message)
}

func TestValidateVolumes(t *testing.T) {
	m := validStack()
	web := m["services"].(map[string]any)["web"].(map[string]any)
	web["volumes"] = []any{
		"$_config:/etc/app:ro",
		"relative/path:/srv",
		map[string]any{"source": "/srv/data", "target": "var/lib"},
		map[string]any{"source": "/srv/data", "target": "/var/lib", "read_only": "yes"},
	}

	errs := Validate(m)
	assert.Contains(t, findByPath(t, errs, "services.web.volumes[1]").Message, "absolute or symbolic")
	assert.Contains(t, findByPath(t, errs, "services.web.volumes[2]").Message, "target must be absolute")
	assert.Contains(t, findByPath(t, errs, "services.web.volumes[3].read_only").Message, "invalid value")
}

func TestValidateSecretSources(t *testing.T) {
	m := validStack()
	secrets := m["secrets"].(map[string]any)
	secrets["both"] = map[string]any{"value": "x", "value_from": "env:X"}
	secrets["neither"] = map[string]any{}

	errs := Validate(m)
	assert.Contains(t, findByPath(t, errs, "secrets.both").Message, "exactly one source")
	assert.Contains(t, findByPath(t, errs, "secrets.neither").Message, "exactly one source")
}

func TestValidateReservedLabel(t *testing.T) {
	m := validStack()
	web := m["services"].(map[string]any)["web"].(map[string]any)
	web["labels"] = map[string]any{"secrets_fingerprint": "spoofed"}

	errs := Validate(m)
	require.Len(t, errs, 1)
	assert.Equal(t, "services.web.labels.secrets_fingerprint", errs[0].Path)
	assert.Equal(t, "label is reserved", errs[0].Message)
}

func TestValidateDirectories(t *testing.T) {
	m := validStack()
	m["directories"] = map[string]any{
		"data":  map[string]any{"path": "relative/data"},
		"cache": map[string]any{"path": "cache", "mode": "relaxed"},
		"logs":  map[string]any{"mode": 488},
	}

	errs := Validate(m)
	assert.Contains(t, findByPath(t, errs, "directories.data.path").Message, "must be absolute")
	assert.Contains(t, findByPath(t, errs, "directories.cache.mode").Message, "invalid mode")
	assert.Contains(t, findByPath(t, errs, "directories.logs.mode").Message, "invalid mode")
}

func TestValidateAbsentStackStillChecked(t *testing.T) {
	m := validStack()
	m["state"] = "absent"
	web := m["services"].(map[string]any)["web"].(map[string]any)
	web["secrets"] = []any{"missing_secret"}

	errs := Validate(m)
	require.Len(t, errs, 1)
	assert.Equal(t, KindReference, errs[0].Kind)
}

func TestValidateDeterministicOrder(t *testing.T) {
	build := func() map[string]any {
		m := validStack()
		services := m["services"].(map[string]any)
		services["alpha"] = map[string]any{"image": ""}
		services["zulu"] = map[string]any{"image": ""}
		return m
	}

	first := Validate(build())
	for range 20 {
		assert.Equal(t, first, Validate(build()))
	}
	require.Len(t, first, 2)
	assert.Equal(t, "services.alpha.image", first[0].Path)
	assert.Equal(t, "services.zulu.image", first[1].Path)
}

func TestErrorsFormatting(t *testing.T) {
	errs := Errors{
		{Path: "mode", Expected: "composition or orchestrated", Actual: `"clustered"`, Message: "unknown mode", Kind: KindConfig},
		{Path: "services.web.secrets[0]", Message: "references unknown secret", Kind: KindReference},
	}
	s := errs.Error()
	assert.Contains(t, s, "2 violation(s)")
	assert.Contains(t, s, `mode: unknown mode (expected composition or orchestrated, got "clustered")`)
	assert.Contains(t, s, "services.web.secrets[0]: references unknown secret")
}
