// Package compilefix applies mechanical repairs to generated HCL for
// constructs the local emulator rejects, and scans for patterns the
// reasoning model is told to avoid but occasionally emits anyway.
package compilefix

import (
	"fmt"
	"regexp"
	"strings"
)

// Finding is one static-scan hit. Findings are warnings, not errors;
// the validate stage reports them alongside its result.
type Finding struct {
	Pattern string `json:"pattern"`
	Line    int    `json:"line"`
	Text    string `json:"text"`
}

func (f Finding) String() string {
	return fmt.Sprintf("line %d: %s (%s)", f.Line, f.Text, f.Pattern)
}

// Constructs the emulator either ignores or mishandles. Generated code
// containing them usually fails apply with opaque errors.
var forbiddenPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"hardcoded_sg_id", regexp.MustCompile(`"sg-[0-9a-f]{8,17}"`)},
	{"hardcoded_ami", regexp.MustCompile(`ami\s*=\s*"ami-[0-9a-f]{8,17}"`)},
	{"unsupported_destination_sg", regexp.MustCompile(`destination_security_group_id`)},
	{"count_meta_argument", regexp.MustCompile(`(?m)^\s*count\s*=`)},
	{"remote_backend", regexp.MustCompile(`backend\s+"(s3|remote|http)"`)},
}

// Scan reports forbidden constructs in the artifact without changing it.
func Scan(hcl string) []Finding {
	var out []Finding
	for i, line := range strings.Split(hcl, "\n") {
		for _, p := range forbiddenPatterns {
			if p.re.MatchString(line) {
				out = append(out, Finding{
					Pattern: p.name,
					Line:    i + 1,
					Text:    strings.TrimSpace(line),
				})
			}
		}
	}
	return out
}

var (
	destinationSGRe = regexp.MustCompile(`destination_security_group_id\s*=`)
	inlineBlockRe   = regexp.MustCompile(`^\s*(ingress|egress)\s*(\{|$)`)
	rtAssocRe       = regexp.MustCompile(`resource\s+"aws_route_table_association"`)
	tagsOpenRe      = regexp.MustCompile(`^\s*tags\s*=\s*\{`)
)

// Apply rewrites known-bad constructs in place:
//   - destination_security_group_id becomes source_security_group_id,
//     which the emulator understands.
//   - inline ingress/egress blocks inside aws_security_group are
//     dropped; standalone rule resources survive validation where the
//     inline form does not.
//   - tags blocks on aws_route_table_association are removed; the
//     resource type does not accept them.
//
// Returns the rewritten artifact and a description of each change.
func Apply(hcl string) (string, []string) {
	var changes []string
	lines := strings.Split(hcl, "\n")

	if destinationSGRe.MatchString(hcl) {
		for i, line := range lines {
			if destinationSGRe.MatchString(line) {
				lines[i] = strings.Replace(line,
					"destination_security_group_id", "source_security_group_id", 1)
			}
		}
		changes = append(changes, "replaced destination_security_group_id with source_security_group_id")
	}

	lines, removed := stripInlineRules(lines)
	if removed > 0 {
		changes = append(changes, fmt.Sprintf("removed %d inline ingress/egress block(s)", removed))
	}

	lines, removed = stripRouteTableAssociationTags(lines)
	if removed > 0 {
		changes = append(changes, fmt.Sprintf("removed tags from %d route table association(s)", removed))
	}

	return strings.Join(lines, "\n"), changes
}

// stripInlineRules removes ingress/egress blocks found inside
// aws_security_group resources, tracking brace depth so nested maps
// inside the rule blocks are removed with them.
func stripInlineRules(lines []string) ([]string, int) {
	var out []string
	removed := 0
	inSG := false
	sgDepth := 0
	skipDepth := 0

	for _, line := range lines {
		if skipDepth > 0 {
			skipDepth += strings.Count(line, "{") - strings.Count(line, "}")
			if skipDepth <= 0 {
				skipDepth = 0
			}
			continue
		}

		if strings.Contains(line, `resource "aws_security_group"`) {
			inSG = true
			sgDepth = 0
		}
		if inSG {
			if inlineBlockRe.MatchString(line) {
				removed++
				skipDepth = strings.Count(line, "{") - strings.Count(line, "}")
				if skipDepth <= 0 {
					// single-line block
					skipDepth = 0
				}
				continue
			}
			sgDepth += strings.Count(line, "{") - strings.Count(line, "}")
			if sgDepth <= 0 && strings.Contains(line, "}") {
				inSG = false
			}
		}
		out = append(out, line)
	}
	return out, removed
}

func stripRouteTableAssociationTags(lines []string) ([]string, int) {
	var out []string
	removed := 0
	inAssoc := false
	depth := 0
	skipDepth := 0

	for _, line := range lines {
		if skipDepth > 0 {
			skipDepth += strings.Count(line, "{") - strings.Count(line, "}")
			if skipDepth <= 0 {
				skipDepth = 0
			}
			continue
		}

		if rtAssocRe.MatchString(line) {
			inAssoc = true
			depth = 0
		}
		if inAssoc {
			if tagsOpenRe.MatchString(line) {
				removed++
				skipDepth = strings.Count(line, "{") - strings.Count(line, "}")
				if skipDepth <= 0 {
					skipDepth = 0
				}
				continue
			}
			depth += strings.Count(line, "{") - strings.Count(line, "}")
			if depth <= 0 && strings.Contains(line, "}") {
				inAssoc = false
			}
		}
		out = append(out, line)
	}
	return out, removed
}
