package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/keel-cm/keel/pkg/target"
)

const (
	defaultSSHDPath   = "/etc/ssh/sshd_config"
	defaultSSHDReload = "systemctl reload sshd"
)

// sshdDirectives maps managed attributes to sshd_config directives.
var sshdDirectives = map[string]string{
	"port":                    "Port",
	"password_authentication": "PasswordAuthentication",
	"pubkey_authentication":   "PubkeyAuthentication",
	"permit_root_login":       "PermitRootLogin",
	"max_auth_tries":          "MaxAuthTries",
	"x11_forwarding":          "X11Forwarding",
	"client_alive_interval":   "ClientAliveInterval",
	"client_alive_count_max":  "ClientAliveCountMax",
}

// sshdDefaults are the effective defaults for directives absent from the
// config file, so diffs compare against what the daemon actually does.
var sshdDefaults = map[string]string{
	"port":                    "22",
	"password_authentication": "yes",
	"pubkey_authentication":   "yes",
	"permit_root_login":       "prohibit-password",
	"max_auth_tries":          "6",
	"x11_forwarding":          "no",
	"client_alive_interval":   "0",
	"client_alive_count_max":  "3",
}

// cutover order: the new access path (port, pubkey auth) is established
// before old paths (password auth, root login) are revoked.
var sshdCutoverOrder = []string{
	"port",
	"pubkey_authentication",
	"password_authentication",
	"permit_root_login",
}

func NewSSHConfig() *SSHConfig {
	return &SSHConfig{}
}

// SSHConfig manages directives of the SSH daemon configuration. It owns only
// the attributes declared in a spec; every other line of the config file is
// preserved verbatim.
//
// Port changes follow commit-then-cutover: the new Port directive is written
// alongside the old one, the daemon reloaded, the new port confirmed
// listening, and only then is the old port dropped. Password authentication
// is never disabled unless public-key authentication remains available.
type SSHConfig struct{}

func (a *SSHConfig) Kind() string { return "sshconfig" }

func (a *SSHConfig) ManagesAccessPath() bool { return true }

func (a *SSHConfig) Validate(spec Spec) error {
	for attr := range spec.Attributes {
		if metaAttributes[attr] {
			continue
		}
		if _, known := sshdDirectives[attr]; !known {
			return &ValidationError{ID: spec.ID(), Attribute: attr, Detail: "unknown sshd directive"}
		}
	}

	if port, ok := spec.Attributes["port"]; ok {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return &ValidationError{ID: spec.ID(), Attribute: "port", Detail: "must be a port number between 1 and 65535"}
		}
	}

	for _, attr := range []string{"password_authentication", "pubkey_authentication", "x11_forwarding"} {
		if v, ok := spec.Attributes[attr]; ok && !isYes(v) && !strings.EqualFold(v, "no") {
			return &ValidationError{ID: spec.ID(), Attribute: attr, Detail: `must be "yes" or "no"`}
		}
	}

	if v, ok := spec.Attributes["permit_root_login"]; ok {
		switch strings.ToLower(v) {
		case "yes", "no", "prohibit-password", "forced-commands-only":
		default:
			return &ValidationError{ID: spec.ID(), Attribute: "permit_root_login", Detail: "invalid value"}
		}
	}

	return nil
}

func (a *SSHConfig) Read(ctx context.Context, t target.Target, spec Spec) (*State, error) {
	path := spec.Attr("path", defaultSSHDPath)

	content, _, err := t.FetchFile(ctx, path)
	if err != nil {
		if errors.Is(err, target.ErrNotFound) {
			return &State{Kind: spec.Kind, Name: spec.Name, Present: false}, nil
		}
		return nil, err
	}

	observed := make(map[string]string, len(sshdDirectives))
	for attr, def := range sshdDefaults {
		observed[attr] = def
	}

	var ports []string
	for _, line := range strings.Split(string(content), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		directive, value := fields[0], fields[1]
		for attr, name := range sshdDirectives {
			if !strings.EqualFold(directive, name) {
				continue
			}
			if attr == "port" {
				ports = append(ports, value)
			} else {
				observed[attr] = normalizeSSHDValue(value)
			}
		}
	}
	if len(ports) > 0 {
		observed["port"] = strings.Join(ports, ",")
	}

	return &State{Kind: spec.Kind, Name: spec.Name, Present: true, Observed: observed}, nil
}

func normalizeSSHDValue(v string) string {
	switch strings.ToLower(v) {
	case "yes", "no", "prohibit-password", "forced-commands-only":
		return strings.ToLower(v)
	}
	return v
}

func (a *SSHConfig) Diff(spec Spec, state *State) (ChangeSet, error) {
	return DiffAttributesOrdered(spec, state, sshdCutoverOrder), nil
}

func (a *SSHConfig) Apply(ctx context.Context, t target.Target, spec Spec, state *State, changes ChangeSet) error {
	id := spec.ID()

	if err := a.guardAuthPath(spec, state); err != nil {
		return err
	}

	path := spec.Attr("path", defaultSSHDPath)
	reload := spec.Attr("reload_command", defaultSSHDReload)

	var original string
	if state != nil && state.Present {
		content, _, err := t.FetchFile(ctx, path)
		if err != nil {
			return ClassifyTargetError(id, err)
		}
		original = string(content)
	}

	observedPorts := observedPortList(state)
	desiredPort, portDeclared := spec.Attributes["port"]

	// Phase 1 (commit): when the port moves, write a config carrying both the
	// old and new Port directives, reload, and confirm the new port is
	// listening. The old access path stays intact until that confirmation.
	if portDeclared && state != nil && state.Present && !containsString(observedPorts, desiredPort) {
		// Revocations wait for phase 2; the interim config is additive only.
		interim := cloneAttributes(spec.Attributes)
		delete(interim, "password_authentication")
		delete(interim, "permit_root_login")

		bothPorts := append([]string{}, observedPorts...)
		bothPorts = append(bothPorts, desiredPort)

		rendered := renderSSHDConfig(original, interim, bothPorts)
		if err := a.installConfig(ctx, t, id, path, rendered, reload); err != nil {
			return err
		}

		ok, err := portListening(ctx, t, id, desiredPort)
		if err != nil {
			return err
		}
		if !ok {
			return &ApplyError{
				ID:         id,
				Cause:      fmt.Errorf("new ssh port %s not confirmed listening", desiredPort),
				Diagnostic: "old access path left intact; cutover not performed",
			}
		}
	}

	// Phase 2 (cutover): write the final configuration with only the desired
	// directives.
	var finalPorts []string
	if portDeclared {
		finalPorts = []string{desiredPort}
	} else if len(observedPorts) > 0 {
		finalPorts = observedPorts
	}

	rendered := renderSSHDConfig(original, spec.Attributes, finalPorts)
	if err := a.installConfig(ctx, t, id, path, rendered, reload); err != nil {
		return err
	}

	if portDeclared {
		ok, err := portListening(ctx, t, id, desiredPort)
		if err != nil {
			return err
		}
		if !ok {
			return &ApplyError{
				ID:    id,
				Cause: fmt.Errorf("ssh port %s not listening after reload", desiredPort),
			}
		}
	}

	return nil
}

// guardAuthPath rejects change sets that would leave the daemon with no
// usable authentication method.
func (a *SSHConfig) guardAuthPath(spec Spec, state *State) error {
	pw, pwDeclared := spec.Attributes["password_authentication"]
	if !pwDeclared || isYes(pw) {
		return nil
	}

	// Password auth is being turned off: public-key auth must remain on,
	// either explicitly desired or observed and unmanaged.
	if pk, ok := spec.Attributes["pubkey_authentication"]; ok {
		if !isYes(pk) {
			return &InvariantError{
				ID:     spec.ID(),
				Detail: "disabling password authentication with pubkey authentication off would revoke every access path",
			}
		}
		return nil
	}
	if state != nil && state.Present && !isYes(state.Observed["pubkey_authentication"]) {
		return &InvariantError{
			ID:     spec.ID(),
			Detail: "disabling password authentication while pubkey authentication is off on the target would revoke every access path",
		}
	}
	return nil
}

// installConfig stages the rendered config next to the live one, validates it
// with sshd -t, moves it into place and reloads the daemon. Validation
// happens against the staged copy so an invalid config never goes live.
func (a *SSHConfig) installConfig(ctx context.Context, t target.Target, id, path, content, reload string) error {
	staged := path + ".keel-staged"

	if err := t.PushFile(ctx, staged, []byte(content), &target.FileInfo{Mode: "0600"}); err != nil {
		return ClassifyTargetError(id, err)
	}

	res, err := t.Execute(ctx, "sshd -t -f "+staged)
	if err != nil {
		return ClassifyTargetError(id, err)
	}
	if res.ExitCode != 0 {
		_, _ = t.Execute(ctx, "rm -f "+staged)
		return &ApplyError{
			ID:         id,
			Cause:      fmt.Errorf("sshd rejected the staged configuration"),
			Diagnostic: strings.TrimSpace(res.Stderr),
		}
	}

	if _, err := run(ctx, t, id, fmt.Sprintf("mv -f %s %s", staged, path)); err != nil {
		return err
	}
	if _, err := run(ctx, t, id, reload); err != nil {
		return err
	}
	return nil
}

// renderSSHDConfig rewrites managed directives in place, drops duplicate
// managed lines, preserves everything else, and appends managed directives
// missing from the file. Port lines are replaced by the given port list.
func renderSSHDConfig(original string, attrs map[string]string, ports []string) string {
	desired := make(map[string]string)
	for attr, value := range attrs {
		if metaAttributes[attr] || attr == "port" {
			continue
		}
		if directive, ok := sshdDirectives[attr]; ok {
			desired[directive] = value
		}
	}

	var portLines []string
	for _, p := range ports {
		portLines = append(portLines, "Port "+p)
	}

	var out []string
	written := make(map[string]bool)
	portsWritten := false

	for _, line := range strings.Split(original, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			out = append(out, line)
			continue
		}

		if strings.EqualFold(fields[0], "Port") && len(ports) > 0 {
			if !portsWritten {
				out = append(out, portLines...)
				portsWritten = true
			}
			continue
		}

		replaced := false
		for directive, value := range desired {
			if strings.EqualFold(fields[0], directive) {
				if !written[directive] {
					out = append(out, directive+" "+value)
					written[directive] = true
				}
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, line)
		}
	}

	if len(ports) > 0 && !portsWritten {
		out = append(out, portLines...)
	}
	var missing []string
	for directive := range desired {
		if !written[directive] {
			missing = append(missing, directive)
		}
	}
	sort.Strings(missing)
	for _, directive := range missing {
		out = append(out, directive+" "+desired[directive])
	}

	rendered := strings.Join(out, "\n")
	if !strings.HasSuffix(rendered, "\n") {
		rendered += "\n"
	}
	return rendered
}

func observedPortList(state *State) []string {
	if state == nil || !state.Present {
		return nil
	}
	raw := state.Observed["port"]
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func cloneAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
