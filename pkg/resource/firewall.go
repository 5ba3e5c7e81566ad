package resource

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/keel-cm/keel/pkg/target"
)

const defaultManagementPort = "22/tcp"

func NewFirewall() *Firewall {
	return &Firewall{}
}

// Firewall manages a UFW ruleset: the enabled state, default policies and the
// allow/deny rules named in the spec. Rules present on the target but not
// mentioned in the spec are unmanaged and never touched.
//
// Ordering is commit-then-cutover: allow rules are installed and confirmed
// (in particular the rule covering the management port) before the firewall
// is enabled, defaults tightened or stale rules deleted. The management-port
// rule itself is never deleted.
type Firewall struct{}

func (a *Firewall) Kind() string { return "firewall" }

func (a *Firewall) ManagesAccessPath() bool { return true }

func (a *Firewall) Validate(spec Spec) error {
	if v, ok := spec.Attributes["enabled"]; ok && !isYes(v) && !strings.EqualFold(v, "no") {
		return &ValidationError{ID: spec.ID(), Attribute: "enabled", Detail: `must be "yes" or "no"`}
	}
	for _, attr := range []string{"default_incoming", "default_outgoing"} {
		if v, ok := spec.Attributes[attr]; ok {
			switch strings.ToLower(v) {
			case "allow", "deny", "reject":
			default:
				return &ValidationError{ID: spec.ID(), Attribute: attr, Detail: `must be "allow", "deny" or "reject"`}
			}
		}
	}
	for _, attr := range []string{"allow", "deny"} {
		for _, rule := range splitRules(spec.Attributes[attr]) {
			if rule == "" {
				return &ValidationError{ID: spec.ID(), Attribute: attr, Detail: "empty rule"}
			}
		}
	}
	return nil
}

func (a *Firewall) Read(ctx context.Context, t target.Target, spec Spec) (*State, error) {
	id := spec.ID()

	res, err := t.Execute(ctx, "ufw status verbose")
	if err != nil {
		return nil, ClassifyTargetError(id, err)
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "root") {
			return nil, &PermissionError{ID: id, Cause: fmt.Errorf("ufw: %s", strings.TrimSpace(res.Stderr))}
		}
		return nil, &ApplyError{ID: id, Cause: fmt.Errorf("ufw status exited %d", res.ExitCode), Diagnostic: strings.TrimSpace(res.Stderr)}
	}

	status := parseUFWStatus(res.Stdout)

	// Partial ownership: only rules the spec mentions are observed, so
	// unmanaged rules never produce a diff.
	managed := make(map[string]bool)
	for _, r := range splitRules(spec.Attributes["allow"]) {
		managed[r] = true
	}
	for _, r := range splitRules(spec.Attributes["deny"]) {
		managed[r] = true
	}

	observed := map[string]string{
		"enabled":          status.enabled,
		"default_incoming": status.defaultIncoming,
		"default_outgoing": status.defaultOutgoing,
		"allow":            joinRules(intersect(status.allow, managed)),
		"deny":             joinRules(intersect(status.deny, managed)),
	}

	return &State{Kind: spec.Kind, Name: spec.Name, Present: true, Observed: observed}, nil
}

func (a *Firewall) Diff(spec Spec, state *State) (ChangeSet, error) {
	// Normalize declared rule lists so ordering and spacing differences do
	// not show up as drift.
	normalized := cloneAttributes(spec.Attributes)
	if v, ok := normalized["allow"]; ok {
		normalized["allow"] = joinRules(splitRules(v))
	}
	if v, ok := normalized["deny"]; ok {
		normalized["deny"] = joinRules(splitRules(v))
	}
	for _, attr := range []string{"enabled", "default_incoming", "default_outgoing"} {
		if v, ok := normalized[attr]; ok {
			normalized[attr] = strings.ToLower(v)
		}
	}

	norm := spec
	norm.Attributes = normalized

	// Allow rules first, enabled last: the apply order mirrors this.
	return DiffAttributesOrdered(norm, state, []string{"allow", "deny", "default_incoming", "default_outgoing", "enabled"}), nil
}

func (a *Firewall) Apply(ctx context.Context, t target.Target, spec Spec, state *State, changes ChangeSet) error {
	id := spec.ID()
	mgmt := spec.Attr("management_port", defaultManagementPort)

	desiredAllow := splitRules(spec.Attributes["allow"])
	desiredDeny := splitRules(spec.Attributes["deny"])

	enabledDesired := isYes(spec.Attr("enabled", ""))

	// Guard before any command: enabling the firewall without an allow rule
	// for the management port, or denying the management port, is a lockout.
	if enabledDesired && !containsString(desiredAllow, mgmt) {
		return &InvariantError{
			ID:     id,
			Detail: fmt.Sprintf("enabling the firewall without an allow rule for management port %s", mgmt),
		}
	}
	if containsString(desiredDeny, mgmt) {
		return &InvariantError{
			ID:     id,
			Detail: fmt.Sprintf("deny rule covers management port %s", mgmt),
		}
	}

	observedAllow := splitRules(observedValue(state, "allow"))
	observedDeny := splitRules(observedValue(state, "deny"))

	// 1. Install missing allow rules (commit).
	for _, rule := range desiredAllow {
		if containsString(observedAllow, rule) {
			continue
		}
		if _, err := run(ctx, t, id, "ufw allow "+rule); err != nil {
			return err
		}
	}

	// 2. Verify the management-port rule really is registered before anything
	// restrictive happens (cutover gate).
	if enabledDesired || changesRestrict(changes) {
		ok, err := a.ruleRegistered(ctx, t, id, mgmt)
		if err != nil {
			return err
		}
		if !ok {
			return &ApplyError{
				ID:         id,
				Cause:      fmt.Errorf("allow rule for management port %s not confirmed", mgmt),
				Diagnostic: "firewall left unchanged; no restrictive action performed",
			}
		}
	}

	// 3. Default policies.
	if v, ok := spec.Attributes["default_incoming"]; ok && observedValue(state, "default_incoming") != strings.ToLower(v) {
		if _, err := run(ctx, t, id, fmt.Sprintf("ufw default %s incoming", strings.ToLower(v))); err != nil {
			return err
		}
	}
	if v, ok := spec.Attributes["default_outgoing"]; ok && observedValue(state, "default_outgoing") != strings.ToLower(v) {
		if _, err := run(ctx, t, id, fmt.Sprintf("ufw default %s outgoing", strings.ToLower(v))); err != nil {
			return err
		}
	}

	// 4. Deny rules.
	for _, rule := range desiredDeny {
		if containsString(observedDeny, rule) {
			continue
		}
		if _, err := run(ctx, t, id, "ufw deny "+rule); err != nil {
			return err
		}
	}

	// 5. Enabled state.
	if enabled, ok := spec.Attributes["enabled"]; ok {
		current := observedValue(state, "enabled")
		switch {
		case isYes(enabled) && current != "yes":
			if _, err := run(ctx, t, id, "ufw --force enable"); err != nil {
				return err
			}
		case !isYes(enabled) && current == "yes":
			if _, err := run(ctx, t, id, "ufw disable"); err != nil {
				return err
			}
		}
	}

	// 6. Drop managed allow rules that are no longer desired. The management
	// port rule is never dropped.
	for _, rule := range observedAllow {
		if containsString(desiredAllow, rule) {
			continue
		}
		if rule == mgmt {
			return &InvariantError{
				ID:     id,
				Detail: fmt.Sprintf("refusing to delete allow rule for management port %s", mgmt),
			}
		}
		if _, err := run(ctx, t, id, "ufw delete allow "+rule); err != nil {
			return err
		}
	}

	return nil
}

func (a *Firewall) ruleRegistered(ctx context.Context, t target.Target, id, rule string) (bool, error) {
	res, err := run(ctx, t, id, "ufw status verbose")
	if err != nil {
		return false, err
	}
	status := parseUFWStatus(res.Stdout)
	// An inactive firewall enforces nothing, so a registered rule is enough.
	return containsString(status.allow, rule), nil
}

// changesRestrict reports whether the change set contains anything that can
// reduce connectivity.
func changesRestrict(changes ChangeSet) bool {
	for _, op := range changes {
		switch op.Attribute {
		case "deny", "default_incoming", "enabled":
			return true
		}
	}
	return false
}

type ufwStatus struct {
	enabled         string
	defaultIncoming string
	defaultOutgoing string
	allow           []string
	deny            []string
}

// parseUFWStatus extracts the enabled state, default policies and rule table
// from `ufw status verbose` output. IPv6 duplicates ("(v6)") are folded into
// their IPv4 counterparts.
func parseUFWStatus(out string) ufwStatus {
	status := ufwStatus{enabled: "no", defaultIncoming: "deny", defaultOutgoing: "allow"}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Status:"):
			if strings.Contains(line, "active") && !strings.Contains(line, "inactive") {
				status.enabled = "yes"
			}
		case strings.HasPrefix(line, "Default:"):
			rest := strings.TrimPrefix(line, "Default:")
			for _, part := range strings.Split(rest, ",") {
				fields := strings.Fields(strings.TrimSpace(part))
				if len(fields) < 2 {
					continue
				}
				policy := fields[0]
				switch {
				case strings.Contains(part, "incoming"):
					status.defaultIncoming = policy
				case strings.Contains(part, "outgoing"):
					status.defaultOutgoing = policy
				}
			}
		default:
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			rule := fields[0]
			if rule == "To" || rule == "--" || strings.HasSuffix(rule, "(v6)") {
				continue
			}
			action := fields[1]
			switch action {
			case "ALLOW":
				if !containsString(status.allow, rule) {
					status.allow = append(status.allow, rule)
				}
			case "DENY", "REJECT":
				if !containsString(status.deny, rule) {
					status.deny = append(status.deny, rule)
				}
			}
		}
	}

	return status
}

func splitRules(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var rules []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			rules = append(rules, part)
		}
	}
	return rules
}

func joinRules(rules []string) string {
	sorted := append([]string{}, rules...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func intersect(rules []string, managed map[string]bool) []string {
	var out []string
	for _, r := range rules {
		if managed[r] {
			out = append(out, r)
		}
	}
	return out
}

func observedValue(state *State, attr string) string {
	if state == nil || !state.Present {
		return ""
	}
	return state.Observed[attr]
}
