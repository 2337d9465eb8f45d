package state

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/fault"
)

// nodeKind is the JSON shape a schema node accepts.
type nodeKind int

const (
	kindObject nodeKind = iota
	kindRecord
	kindString
	kindBool
	kindNumber
	kindAny
)

// node is one element of the declared document schema.
type node struct {
	kind nodeKind

	// kindObject
	fields map[string]field

	// kindRecord
	keyPattern *regexp.Regexp
	keyMessage string
	elem       *node

	// kindString
	pattern    *regexp.Regexp
	patternMsg string
	maxLen     int

	// kindNumber
	min, max float64
	integer  bool
}

type field struct {
	node     *node
	optional bool
}

func object(fields map[string]field) *node { return &node{kind: kindObject, fields: fields} }
func str() *node                             { return &node{kind: kindString} }
func boolean() *node                         { return &node{kind: kindBool} }
func anyValue() *node                        { return &node{kind: kindAny} }

func record(key *regexp.Regexp, keyMsg string, elem *node) *node {
	return &node{kind: kindRecord, keyPattern: key, keyMessage: keyMsg, elem: elem}
}

func matching(re *regexp.Regexp, msg string) *node {
	return &node{kind: kindString, pattern: re, patternMsg: msg}
}

func number(lo, hi float64, integer bool) *node {
	return &node{kind: kindNumber, min: lo, max: hi, integer: integer}
}

func req(n *node) field { return field{node: n} }
func opt(n *node) field { return field{node: n, optional: true} }

var (
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	inputPattern   = regexp.MustCompile(`^Input\d+$`)
	outputPattern  = regexp.MustCompile(`^Output\d+$`)
	auxPattern     = regexp.MustCompile(`^Aux\d+$`)
	destPattern    = regexp.MustCompile(`^(Output|Aux)\d+$`)
	portPattern    = regexp.MustCompile(`^Port\d+$`)
	sourcePattern  = regexp.MustCompile(`^(Input\d+|No Input)$`)
)

// maxNameLength is the appliance's limit on user-specified names.
const maxNameLength = 24

func documentSchema() *node {
	version := matching(versionPattern, "Version must be in the format X.Y.Z (e.g., 2.0.0)")
	name := &node{kind: kindString, maxLen: maxNameLength}
	source := matching(sourcePattern, `must be Input<number> or "No Input"`)
	resolution := number(0, 0xffff, true)

	capabilities := object(map[string]field{
		"IsAudioRoutingSupported":  req(boolean()),
		"IsVideoRoutingSupported":  req(boolean()),
		"IsUsbRoutingSupported":    req(boolean()),
		"IsStreamRoutingSupported": req(boolean()),
	})

	port := object(map[string]field{
		"PortType":             req(str()),
		"IsSyncDetected":       opt(boolean()),
		"IsSourceDetected":     opt(boolean()),
		"IsSinkConnected":      opt(boolean()),
		"IsInterlacedDetected": opt(boolean()),
		"HorizontalResolution": opt(resolution),
		"VerticalResolution":   opt(resolution),
		"FramesPerSecond":      opt(resolution),
		"AspectRatio":          opt(str()),
		"CurrentResolution":    opt(str()),
		"CurrentEdid":          opt(str()),
		"CurrentEdidType":      opt(str()),
		"EdidApplyError":       opt(str()),
		"ColorSpace":           opt(str()),
		"ColorDepth":           opt(str()),
		"ColorSpaceMode":       opt(str()),
		"MaxColorDepth":        opt(str()),
		"Digital":              opt(anyValue()),
		"Audio":                opt(anyValue()),
	})

	ports := record(portPattern, "must match Port<number>", port)

	input := object(map[string]field{
		"Id":                opt(str()),
		"UserSpecifiedName": req(name),
		"Capabilities":      req(capabilities),
		"InputInfo": req(object(map[string]field{
			"Id":    opt(str()),
			"Ports": req(ports),
		})),
	})

	output := object(map[string]field{
		"Id":                opt(str()),
		"UserSpecifiedName": req(name),
		"Capabilities":      req(capabilities),
		"OutputInfo": req(object(map[string]field{
			"Id":    opt(str()),
			"Ports": req(ports),
		})),
	})

	avio := object(map[string]field{
		"GlobalConfig": req(object(map[string]field{
			"GlobalEdid":     req(str()),
			"GlobalEdidType": req(str()),
		})),
		"Inputs":  req(record(inputPattern, "must match Input<number>", input)),
		"Outputs": req(record(destPattern, "must match Output<number> or Aux<number>", output)),
		"Version": req(version),
	})

	routing := object(map[string]field{
		"Config": req(record(destPattern, "must match Output<number> or Aux<number>", object(map[string]field{
			"AudioSourceConfigured": opt(source),
			"VideoSourceConfigured": opt(source),
		}))),
		"Routes": req(record(destPattern, "must match Output<number> or Aux<number>", object(map[string]field{
			"AudioSource": opt(source),
			"VideoSource": opt(source),
		}))),
		"IsAutomaticRoutingEnabled": req(boolean()),
		"IsFollowOutputEnabled":     req(boolean()),
		"IsPriorityRoutingEnabled":  req(boolean()),
		"Version":                   req(version),
	})

	return object(map[string]field{
		string(AvioV2):            req(avio),
		string(AvMatrixRoutingV2): req(routing),
	})
}

// deviceSchema is the schema of the object under the "Device" root key.
var deviceSchema = documentSchema()

// checker walks a decoded JSON value against a schema node, collecting
// issues and returning a copy with unknown object fields removed.
type checker struct {
	partial bool
	issues  []fault.Issue
}

func (c *checker) fail(path []string, format string, args ...any) {
	c.issues = append(c.issues, fault.Issue{
		Path:    strings.Join(path, "."),
		Message: fmt.Sprintf(format, args...),
	})
}

func (c *checker) check(n *node, v any, path []string) any {
	switch n.kind {
	case kindAny:
		return deepCopy(v)

	case kindString:
		s, ok := v.(string)
		if !ok {
			c.fail(path, "expected string, received %s", jsonType(v))
			return nil
		}
		if n.pattern != nil && !n.pattern.MatchString(s) {
			c.fail(path, "%s", n.patternMsg)
			return nil
		}
		if n.maxLen > 0 && len(s) > n.maxLen {
			c.fail(path, "must contain at most %d characters", n.maxLen)
			return nil
		}
		return s

	case kindBool:
		b, ok := v.(bool)
		if !ok {
			c.fail(path, "expected boolean, received %s", jsonType(v))
			return nil
		}
		return b

	case kindNumber:
		f, ok := v.(float64)
		if !ok {
			c.fail(path, "expected number, received %s", jsonType(v))
			return nil
		}
		if n.integer && f != math.Trunc(f) {
			c.fail(path, "expected integer")
			return nil
		}
		if f < n.min || f > n.max {
			c.fail(path, "must be between %v and %v", n.min, n.max)
			return nil
		}
		return f

	case kindRecord:
		m, ok := v.(map[string]any)
		if !ok {
			c.fail(path, "expected object, received %s", jsonType(v))
			return nil
		}
		out := make(map[string]any, len(m))
		for _, k := range sortedKeys(m) {
			if !n.keyPattern.MatchString(k) {
				c.fail(append(path, k), "key %s", n.keyMessage)
				continue
			}
			if cv := c.check(n.elem, m[k], append(path, k)); cv != nil {
				out[k] = cv
			}
		}
		return out

	default:
		m, ok := v.(map[string]any)
		if !ok {
			c.fail(path, "expected object, received %s", jsonType(v))
			return nil
		}
		out := make(map[string]any, len(n.fields))
		for _, name := range sortedFieldNames(n.fields) {
			f := n.fields[name]
			fv, present := m[name]
			if !present || fv == nil {
				if !present && !f.optional && !c.partial {
					c.fail(append(path, name), "required")
				}
				continue
			}
			if cv := c.check(f.node, fv, append(path, name)); cv != nil {
				out[name] = cv
			}
		}
		return out
	}
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFieldNames(m map[string]field) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
