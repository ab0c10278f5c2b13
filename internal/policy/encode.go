package policy

import (
	"fmt"
	"sort"
	"strings"
)

// EmptyPolicyText is the sentinel encoding for a policy with no statements.
// Embedding providers reject empty input, so this is never "".
const EmptyPolicyText = "empty policy with no statements"

// statementSeparator joins encoded statements. Statement order is preserved.
const statementSeparator = "| NEXT STATEMENT | "

// EncodePolicy renders a policy as canonical human-readable text for
// embedding. The encoding is deterministic: identical policy content always
// produces byte-identical text, and two policies that differ only in the
// ordering of actions/resources within a statement encode identically.
func EncodePolicy(p Policy) string {
	if len(p) == 0 {
		return EmptyPolicyText
	}

	sentences := make([]string, len(p))
	for i, stmt := range p {
		sentences[i] = encodeStatement(stmt) + "."
	}
	return strings.Join(sentences, statementSeparator)
}

// encodeStatement renders one statement as "<effect> <actions> <resources>".
func encodeStatement(stmt Statement) string {
	effect := strings.ToLower(string(stmt.Effect))

	var actions string
	if len(stmt.Actions) > 0 {
		actions = formatActions(stmt.Actions, false)
	} else if len(stmt.NotActions) > 0 {
		actions = formatActions(stmt.NotActions, true)
	}

	var resources string
	if len(stmt.Resources) > 0 {
		resources = formatResources(stmt.Resources, false)
	} else if len(stmt.NotResources) > 0 {
		resources = formatResources(stmt.NotResources, true)
	}

	return strings.TrimSpace(fmt.Sprintf("%s %s %s", effect, actions, resources))
}

// formatActions renders an action set. The set is sorted before rendering so
// that author-supplied ordering does not leak into the encoding.
func formatActions(actions []string, negated bool) string {
	sorted := sortedCopy(actions)
	for _, a := range sorted {
		if a == "*" {
			return "all actions"
		}
	}
	if negated {
		return "any action except these actions " + strings.Join(sorted, ", ")
	}
	return "only these actions " + strings.Join(sorted, ", ")
}

// resourceDisplayNames maps resource type keys to readable names.
var resourceDisplayNames = map[string]string{
	"proj": "project",
	"env":  "environment",
	"acct": "account",
}

// formatResources renders a resource set as per-type phrases joined with the
// appropriate prepositions, in deterministic order.
func formatResources(resources []string, negated bool) string {
	sorted := sortedCopy(resources)

	var typeOrder []string
	sentences := make(map[string]string)

	for _, resource := range sorted {
		for _, part := range splitResourceParts(resource) {
			resType, name, tag := parseResourcePart(part)
			display := resourceDisplayNames[resType]
			if display == "" {
				display = resType
			}

			if existing, ok := sentences[resType]; ok {
				// A wildcard phrase already covers everything for this type.
				if !strings.HasPrefix(existing, "all ") {
					sentences[resType] = existing + ", " + name
				}
				continue
			}
			typeOrder = append(typeOrder, resType)

			switch {
			case strings.Contains(name, "*"):
				if resType == "env" && strings.Contains(tag, "critical") {
					sentences[resType] = "all " + criticalQualifier(tag) + " environments"
				} else if name == "*" {
					sentences[resType] = "all " + display + "s"
				} else {
					sentences[resType] = "only these " + display + "s " + name
				}
			case negated && resType == "env":
				sentences[resType] = "all environments except " + name
			default:
				sentences[resType] = "only these " + display + "s " + name
			}

			if tag != "" && resType != "env" {
				sentences[resType] += " with tags " + tag
			}
		}
	}

	var b strings.Builder
	for _, resType := range typeOrder {
		b.WriteString(prepositionFor(resType))
		b.WriteString(" ")
		b.WriteString(sentences[resType])
	}
	return strings.TrimSpace(b.String())
}

// splitResourceParts splits a resource descriptor like
// "proj/demo:env/production:flag/*" on ":". Segments with unbalanced braces
// are rejoined so parameterized tags such as "env/*;{critical:true}" survive
// the split intact.
func splitResourceParts(resource string) []string {
	raw := strings.Split(resource, ":")
	parts := make([]string, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		part := raw[i]
		for strings.Count(part, "{") > strings.Count(part, "}") && i+1 < len(raw) {
			i++
			part += ":" + raw[i]
		}
		parts = append(parts, part)
	}
	return parts
}

// parseResourcePart splits "type/name;tag" into its pieces. The bare "acct"
// segment has no name and means the whole account.
func parseResourcePart(part string) (resType, name, tag string) {
	if part == "acct" {
		return "acct", "*", ""
	}
	resType, name = part, "*"
	if idx := strings.Index(part, "/"); idx >= 0 {
		resType, name = part[:idx], part[idx+1:]
	}
	if idx := strings.Index(name, ";"); idx >= 0 {
		name, tag = name[:idx], name[idx+1:]
	}
	return resType, name, tag
}

// criticalQualifier reads a "{critical:true}" style tag.
func criticalQualifier(tag string) string {
	if idx := strings.Index(tag, ":"); idx >= 0 {
		if strings.Contains(strings.ToLower(tag[idx+1:]), "true") {
			return "critical"
		}
	}
	return "non-critical"
}

// prepositionFor picks the preposition that reads naturally for a type.
func prepositionFor(resType string) string {
	switch resType {
	case "proj", "env", "code-reference-repository":
		return " in"
	case "flag", "member", "service-token", "team", "pending-request",
		"application", "domain-verification", "integration",
		"relay-proxy-config", "webhook":
		return " for"
	default:
		return " with"
	}
}

func sortedCopy(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}
