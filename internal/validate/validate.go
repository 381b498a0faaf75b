// Package validate checks a merged stack mapping against structural and
// semantic rules. All violations are collected in one pass so the
// caller gets a single actionable report; nothing is ever mutated.
package validate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/distribution/reference"
	"github.com/dlclark/regexp2"

	"github.com/dockhand/dockhand/internal/spec"
)

// Kind classifies a violation.
type Kind string

const (
	// KindConfig marks malformed or incomplete input.
	KindConfig Kind = "config"
	// KindReference marks a reference to a nonexistent secret or network.
	KindReference Kind = "reference"
)

// FieldError is one field-level violation.
type FieldError struct {
	Path     string
	Expected string
	Actual   string
	Message  string
	Kind     Kind
}

func (e FieldError) Error() string {
	var b strings.Builder
	b.WriteString(e.Path)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, " (expected %s, got %s)", e.Expected, e.Actual)
	}
	return b.String()
}

// Errors is the ordered violation list for one stack. A nil or empty
// list means the mapping passed validation.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "no violations"
	}
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Error()
	}
	return fmt.Sprintf("%d violation(s):\n  %s", len(e), strings.Join(msgs, "\n  "))
}

// Names must be usable as file and object names: no path separators,
// no dot-only names, no leading dash.
var nameRe = regexp2.MustCompile(`^(?!\.{1,2}$)(?!-)[A-Za-z0-9._-]+$`, regexp2.None)

func nameOK(s string) bool {
	ok, err := nameRe.MatchString(s)
	return err == nil && ok
}

var restartValues = keySet("no", "always", "on-failure", "unless-stopped")

var (
	stackKeys     = keySet("name", "mode", "state", "allow_prune", "base_dir", "services", "secrets", "networks", "directories")
	serviceKeys   = keySet("image", "command", "ports", "volumes", "secrets", "deploy", "environment", "labels", "networks", "restart")
	deployKeys    = keySet("replicas", "placement")
	placementKeys = keySet("constraints")
	secretKeys    = keySet("value", "value_from")
	networkKeys   = keySet("driver", "internal", "attachable", "external")
	directoryKeys = keySet("path", "owner", "group", "mode")
	portKeys      = keySet("published", "target", "protocol")
	volumeKeys    = keySet("source", "target", "read_only")
)

// Validate checks a merged stack mapping and returns every violation
// found in one pass, in deterministic order. It runs identically for
// present and absent stacks: removal never bypasses structural checks.
func Validate(merged map[string]any) Errors {
	c := &collector{}

	c.unknownKeys("", merged, stackKeys)
	c.checkName(merged)
	mode := c.checkMode(merged)
	c.checkState(merged)
	c.checkBool(merged, "allow_prune")
	c.checkBaseDir(merged)

	secretNames := mappingKeys(merged["secrets"])
	networkNames := mappingKeys(merged["networks"])

	c.checkServices(merged["services"], mode, secretNames, networkNames)
	c.checkSecrets(merged["secrets"])
	c.checkNetworks(merged["networks"])
	c.checkDirectories(merged["directories"])

	return c.errs
}

type collector struct {
	errs Errors
}

func (c *collector) config(path, expected, actual, msg string) {
	c.errs = append(c.errs, FieldError{Path: path, Expected: expected, Actual: actual, Message: msg, Kind: KindConfig})
}

func (c *collector) reference(path, expected, actual, msg string) {
	c.errs = append(c.errs, FieldError{Path: path, Expected: expected, Actual: actual, Message: msg, Kind: KindReference})
}

func (c *collector) unknownKeys(prefix string, m map[string]any, known map[string]struct{}) {
	for _, k := range sortedKeys(m) {
		if _, ok := known[k]; !ok {
			c.config(joinPath(prefix, k), "", "", "unknown field")
		}
	}
}

func (c *collector) checkName(merged map[string]any) {
	v, present := merged["name"]
	name, isStr := v.(string)
	switch {
	case !present || v == nil || (isStr && name == ""):
		c.config("name", "non-empty string", describe(v), "stack name is required")
	case !isStr:
		c.config("name", "non-empty string", describe(v), "stack name is required")
	case !nameOK(name):
		c.config("name", "filesystem-safe name", strconv.Quote(name), "stack name must not contain path separators")
	}
}

func (c *collector) checkMode(merged map[string]any) spec.Mode {
	v, present := merged["mode"]
	s, isStr := v.(string)
	if !present || !isStr || s == "" {
		c.config("mode", "composition or orchestrated", describe(v), "stack mode is required")
		return ""
	}
	switch spec.Mode(s) {
	case spec.ModeComposition, spec.ModeOrchestrated:
		return spec.Mode(s)
	}
	c.config("mode", "composition or orchestrated", strconv.Quote(s), "unknown mode")
	return ""
}

func (c *collector) checkState(merged map[string]any) {
	v, present := merged["state"]
	if !present || v == nil {
		return
	}
	s, isStr := v.(string)
	if !isStr {
		c.config("state", "present or absent", describe(v), "invalid state")
		return
	}
	switch spec.State(s) {
	case spec.StatePresent, spec.StateAbsent:
	default:
		c.config("state", "present or absent", strconv.Quote(s), "unknown state")
	}
}

func (c *collector) checkBool(merged map[string]any, key string) {
	v, present := merged[key]
	if !present || v == nil {
		return
	}
	if _, ok := v.(bool); !ok {
		c.config(key, "boolean", describe(v), "invalid value")
	}
}

func (c *collector) checkBaseDir(merged map[string]any) {
	v, present := merged["base_dir"]
	if !present || v == nil {
		return
	}
	s, isStr := v.(string)
	if !isStr || s == "" {
		c.config("base_dir", "absolute path", describe(v), "invalid base directory")
		return
	}
	if !strings.HasPrefix(s, "/") {
		c.config("base_dir", "absolute path", strconv.Quote(s), "base directory must be absolute")
	}
}

func (c *collector) checkServices(v any, mode spec.Mode, secretNames, networkNames map[string]struct{}) {
	if v == nil {
		return
	}
	services, ok := v.(map[string]any)
	if !ok {
		c.config("services", "mapping of services", describe(v), "invalid services block")
		return
	}
	for _, name := range sortedKeys(services) {
		p := "services." + name
		if !nameOK(name) {
			c.config(p, "filesystem-safe name", strconv.Quote(name), "invalid service name")
		}
		svc, ok := services[name].(map[string]any)
		if !ok {
			c.config(p, "mapping", describe(services[name]), "invalid service definition")
			continue
		}
		c.unknownKeys(p, svc, serviceKeys)
		c.checkImage(p, svc)
		c.checkPorts(p, svc["ports"])
		c.checkVolumes(p, svc["volumes"])
		c.checkSecretRefs(p, svc["secrets"], secretNames)
		c.checkNetworkRefs(p, svc["networks"], networkNames)
		c.checkDeploy(p, svc["deploy"], mode)
		c.checkCommand(p, svc["command"])
		c.checkEnvironment(p, svc["environment"])
		c.checkLabels(p, svc["labels"])
		c.checkRestart(p, svc["restart"])
	}
}

func (c *collector) checkImage(p string, svc map[string]any) {
	v, present := svc["image"]
	s, isStr := v.(string)
	if !present || !isStr || s == "" {
		c.config(p+".image", "image reference", describe(v), "service image is required")
		return
	}
	if _, err := reference.ParseNormalizedNamed(s); err != nil {
		c.config(p+".image", "image reference", strconv.Quote(s), err.Error())
	}
}

func (c *collector) checkPorts(p string, v any) {
	if v == nil {
		return
	}
	entries, ok := v.([]any)
	if !ok {
		c.config(p+".ports", "list of port entries", describe(v), "invalid ports block")
		return
	}
	for i, entry := range entries {
		ep := fmt.Sprintf("%s.ports[%d]", p, i)
		switch e := entry.(type) {
		case string:
			if _, _, _, err := spec.ParsePortShorthand(e); err != nil {
				c.config(ep, "published:target[/protocol]", strconv.Quote(e), err.Error())
			}
		case map[string]any:
			c.unknownKeys(ep, e, portKeys)
			c.checkPortNumber(ep+".published", e["published"])
			c.checkPortNumber(ep+".target", e["target"])
			if proto, present := e["protocol"]; present && proto != nil {
				s, isStr := proto.(string)
				if !isStr || (s != "tcp" && s != "udp") {
					c.config(ep+".protocol", "tcp or udp", describe(proto), "unknown protocol")
				}
			}
		default:
			c.config(ep, "string or mapping", describe(entry), "invalid port entry")
		}
	}
}

func (c *collector) checkPortNumber(path string, v any) {
	n, ok := asInt(v)
	if !ok {
		c.config(path, "integer within 1-65535", describe(v), "invalid port")
		return
	}
	if n < 1 || n > 65535 {
		c.config(path, "integer within 1-65535", strconv.Itoa(n), "port outside range")
	}
}

func (c *collector) checkVolumes(p string, v any) {
	if v == nil {
		return
	}
	entries, ok := v.([]any)
	if !ok {
		c.config(p+".volumes", "list of volume entries", describe(v), "invalid volumes block")
		return
	}
	for i, entry := range entries {
		ep := fmt.Sprintf("%s.volumes[%d]", p, i)
		switch e := entry.(type) {
		case string:
			src, tgt, _, err := spec.ParseVolumeShorthand(e)
			if err != nil {
				c.config(ep, "source:target[:ro|rw]", strconv.Quote(e), err.Error())
				continue
			}
			c.checkVolumeSource(ep, src)
			c.checkVolumeTarget(ep, tgt)
		case map[string]any:
			c.unknownKeys(ep, e, volumeKeys)
			src, isStr := e["source"].(string)
			if !isStr || src == "" {
				c.config(ep+".source", "absolute or symbolic path", describe(e["source"]), "volume source is required")
			} else {
				c.checkVolumeSource(ep, src)
			}
			tgt, isStr := e["target"].(string)
			if !isStr || tgt == "" {
				c.config(ep+".target", "absolute path", describe(e["target"]), "volume target is required")
			} else {
				c.checkVolumeTarget(ep, tgt)
			}
			if ro, present := e["read_only"]; present && ro != nil {
				if _, ok := ro.(bool); !ok {
					c.config(ep+".read_only", "boolean", describe(ro), "invalid value")
				}
			}
		default:
			c.config(ep, "string or mapping", describe(entry), "invalid volume entry")
		}
	}
}

func (c *collector) checkVolumeSource(ep, src string) {
	if strings.HasPrefix(src, "/") || strings.HasPrefix(src, "$_") {
		return
	}
	c.config(ep, "absolute path or $_ symbol", strconv.Quote(src), "volume source must be absolute or symbolic")
}

func (c *collector) checkVolumeTarget(ep, tgt string) {
	if !strings.HasPrefix(tgt, "/") {
		c.config(ep, "absolute path", strconv.Quote(tgt), "volume target must be absolute")
	}
}

func (c *collector) checkSecretRefs(p string, v any, secretNames map[string]struct{}) {
	if v == nil {
		return
	}
	refs, ok := v.([]any)
	if !ok {
		c.config(p+".secrets", "list of secret names", describe(v), "invalid secrets block")
		return
	}
	for i, ref := range refs {
		ep := fmt.Sprintf("%s.secrets[%d]", p, i)
		s, isStr := ref.(string)
		if !isStr || s == "" {
			c.config(ep, "secret name", describe(ref), "invalid secret reference")
			continue
		}
		if _, exists := secretNames[s]; !exists {
			c.reference(ep, "declared secret name", strconv.Quote(s), "references unknown secret")
		}
	}
}

func (c *collector) checkNetworkRefs(p string, v any, networkNames map[string]struct{}) {
	if v == nil {
		return
	}
	refs, ok := v.([]any)
	if !ok {
		c.config(p+".networks", "list of network names", describe(v), "invalid networks block")
		return
	}
	for i, ref := range refs {
		ep := fmt.Sprintf("%s.networks[%d]", p, i)
		s, isStr := ref.(string)
		if !isStr || s == "" {
			c.config(ep, "network name", describe(ref), "invalid network reference")
			continue
		}
		if _, exists := networkNames[s]; !exists {
			c.reference(ep, "declared network name", strconv.Quote(s), "references unknown network")
		}
	}
}

func (c *collector) checkDeploy(p string, v any, mode spec.Mode) {
	if v == nil {
		return
	}
	dp := p + ".deploy"
	if mode == spec.ModeComposition {
		c.config(dp, "mode=orchestrated", "mode=composition", "deploy block requires orchestrated mode")
	}
	d, ok := v.(map[string]any)
	if !ok {
		c.config(dp, "mapping", describe(v), "invalid deploy block")
		return
	}
	c.unknownKeys(dp, d, deployKeys)
	if r, present := d["replicas"]; present && r != nil {
		n, ok := asInt(r)
		if !ok {
			c.config(dp+".replicas", "positive integer", describe(r), "invalid replica count")
		} else if n < 1 {
			c.config(dp+".replicas", "positive integer", strconv.Itoa(n), "invalid replica count")
		}
	}
	if pl, present := d["placement"]; present && pl != nil {
		pm, ok := pl.(map[string]any)
		if !ok {
			c.config(dp+".placement", "mapping", describe(pl), "invalid placement block")
			return
		}
		c.unknownKeys(dp+".placement", pm, placementKeys)
		if cons, present := pm["constraints"]; present && cons != nil {
			c.checkStringOrList(dp+".placement.constraints", cons)
		}
	}
}

func (c *collector) checkStringOrList(path string, v any) {
	switch x := v.(type) {
	case string:
	case []any:
		for i, e := range x {
			if _, isStr := e.(string); !isStr {
				c.config(fmt.Sprintf("%s[%d]", path, i), "string", describe(e), "invalid constraint")
			}
		}
	default:
		c.config(path, "string or list of strings", describe(v), "invalid value")
	}
}

func (c *collector) checkCommand(p string, v any) {
	if v == nil {
		return
	}
	switch x := v.(type) {
	case string:
	case []any:
		for i, e := range x {
			if _, isStr := e.(string); !isStr {
				c.config(fmt.Sprintf("%s.command[%d]", p, i), "string", describe(e), "invalid command argument")
			}
		}
	default:
		c.config(p+".command", "string or list of strings", describe(v), "invalid command")
	}
}

func (c *collector) checkEnvironment(p string, v any) {
	if v == nil {
		return
	}
	switch x := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(x) {
			if !isScalar(x[k]) {
				c.config(p+".environment."+k, "scalar value", describe(x[k]), "invalid environment value")
			}
		}
	case []any:
		for i, e := range x {
			if _, isStr := e.(string); !isStr {
				c.config(fmt.Sprintf("%s.environment[%d]", p, i), "KEY=value string", describe(e), "invalid environment entry")
			}
		}
	default:
		c.config(p+".environment", "mapping or list of KEY=value strings", describe(v), "invalid environment block")
	}
}

func (c *collector) checkLabels(p string, v any) {
	if v == nil {
		return
	}
	labels, ok := v.(map[string]any)
	if !ok {
		c.config(p+".labels", "mapping of labels", describe(v), "invalid labels block")
		return
	}
	for _, k := range sortedKeys(labels) {
		if k == spec.LabelSecretsFingerprint {
			c.config(p+".labels."+k, "", "", "label is reserved")
			continue
		}
		if !isScalar(labels[k]) {
			c.config(p+".labels."+k, "scalar value", describe(labels[k]), "invalid label value")
		}
	}
}

func (c *collector) checkRestart(p string, v any) {
	if v == nil {
		return
	}
	s, isStr := v.(string)
	if !isStr {
		c.config(p+".restart", "no, always, on-failure or unless-stopped", describe(v), "invalid restart policy")
		return
	}
	if _, ok := restartValues[s]; !ok {
		c.config(p+".restart", "no, always, on-failure or unless-stopped", strconv.Quote(s), "unknown restart policy")
	}
}

func (c *collector) checkSecrets(v any) {
	if v == nil {
		return
	}
	secrets, ok := v.(map[string]any)
	if !ok {
		c.config("secrets", "mapping of secrets", describe(v), "invalid secrets block")
		return
	}
	for _, name := range sortedKeys(secrets) {
		p := "secrets." + name
		if !nameOK(name) {
			c.config(p, "filesystem-safe name", strconv.Quote(name), "invalid secret name")
		}
		sec, ok := secrets[name].(map[string]any)
		if !ok {
			c.config(p, "mapping with value or value_from", describe(secrets[name]), "invalid secret definition")
			continue
		}
		c.unknownKeys(p, sec, secretKeys)
		value, hasValue := sec["value"].(string)
		from, hasFrom := sec["value_from"].(string)
		hasValue = hasValue && value != ""
		hasFrom = hasFrom && from != ""
		if hasValue == hasFrom {
			c.config(p, "exactly one of value or value_from", describe(secrets[name]), "secret needs exactly one source")
		}
	}
}

func (c *collector) checkNetworks(v any) {
	if v == nil {
		return
	}
	networks, ok := v.(map[string]any)
	if !ok {
		c.config("networks", "mapping of networks", describe(v), "invalid networks block")
		return
	}
	for _, name := range sortedKeys(networks) {
		p := "networks." + name
		if !nameOK(name) {
			c.config(p, "filesystem-safe name", strconv.Quote(name), "invalid network name")
		}
		if networks[name] == nil {
			continue
		}
		net, ok := networks[name].(map[string]any)
		if !ok {
			c.config(p, "mapping", describe(networks[name]), "invalid network definition")
			continue
		}
		c.unknownKeys(p, net, networkKeys)
		if d, present := net["driver"]; present && d != nil {
			if _, isStr := d.(string); !isStr {
				c.config(p+".driver", "string", describe(d), "invalid driver")
			}
		}
		for _, key := range []string{"internal", "attachable", "external"} {
			if b, present := net[key]; present && b != nil {
				if _, ok := b.(bool); !ok {
					c.config(p+"."+key, "boolean", describe(b), "invalid value")
				}
			}
		}
	}
}

func (c *collector) checkDirectories(v any) {
	if v == nil {
		return
	}
	dirs, ok := v.(map[string]any)
	if !ok {
		c.config("directories", "mapping of directory overrides", describe(v), "invalid directories block")
		return
	}
	for _, name := range sortedKeys(dirs) {
		p := "directories." + name
		if !nameOK(name) {
			c.config(p, "filesystem-safe name", strconv.Quote(name), "invalid directory name")
		}
		d, ok := dirs[name].(map[string]any)
		if !ok {
			c.config(p, "mapping", describe(dirs[name]), "invalid directory override")
			continue
		}
		c.unknownKeys(p, d, directoryKeys)
		reserved := isReservedDir(name)
		if pv, present := d["path"]; present && pv != nil {
			s, isStr := pv.(string)
			switch {
			case !isStr || s == "":
				c.config(p+".path", "path", describe(pv), "invalid path")
			case reserved && !strings.HasPrefix(s, "/"):
				c.config(p+".path", "absolute path", strconv.Quote(s), "reserved directory overrides must be absolute")
			}
		}
		for _, key := range []string{"owner", "group"} {
			if ov, present := d[key]; present && ov != nil {
				if s, isStr := ov.(string); !isStr || s == "" {
					c.config(p+"."+key, "name", describe(ov), "invalid "+key)
				}
			}
		}
		if mv, present := d["mode"]; present && mv != nil {
			c.checkDirMode(p+".mode", mv)
		}
	}
}

func (c *collector) checkDirMode(path string, v any) {
	s, isStr := v.(string)
	if !isStr {
		c.config(path, "octal permission literal", describe(v), "invalid mode")
		return
	}
	if _, err := spec.ModeString(s).FileMode(); err != nil {
		c.config(path, "octal permission literal", strconv.Quote(s), "invalid mode")
	}
}

func isReservedDir(name string) bool {
	switch name {
	case "base", "stack", "config", "data", "secrets":
		return true
	}
	return false
}

func mappingKeys(v any) map[string]struct{} {
	out := map[string]struct{}{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case uint64:
		return int(x), true
	case float64:
		if x == float64(int(x)) {
			return int(x), true
		}
	}
	return 0, false
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, int, int64, uint64, float64:
		return true
	}
	return false
}

func describe(v any) string {
	switch x := v.(type) {
	case nil:
		return "nothing"
	case string:
		return strconv.Quote(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case map[string]any:
		return "a mapping"
	case []any:
		return "a list"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func keySet(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}
