package origami

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "slotcal/internal/log"
	"slotcal/internal/model"
)

// Strategy names accepted in Options.Strategies.
const (
	StrategyRoot  = "root"
	StrategyGroup = "group"
	StrategyScan  = "scan"
)

// templateNamespace seeds name-based UUIDs for records without an identity.
var templateNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("slotcal/template"))

// Fields is the field naming contract with the upstream schema.
type Fields struct {
	Start string
	End   string
	// Group optionally names a field group holding one sub-record or a
	// repeating group (array of sub-records).
	Group string
	// GroupPrefix marks keys scanned as field groups ("g_").
	GroupPrefix string
	// ID lists identity fields, tried in order.
	ID []string
	// Title optionally names a display-label field.
	Title        string
	DefaultTitle string
}

// Options configures a Parser.
type Options struct {
	Fields Fields
	// EnvelopeKeys are tried in order when the payload is an object rather
	// than an array ("instanceList", "data").
	EnvelopeKeys []string
	// Strategies lists extraction strategies in application order. Results
	// of every strategy are concatenated.
	Strategies []string
	// Dedupe drops a template whose (start, end, title) repeats an earlier one.
	Dedupe bool
	// Location is the display zone for timestamp-derived times. Nil means time.Local.
	Location *time.Location
}

// candidate is one (sub-)record that may yield a template.
type candidate struct {
	record map[string]any
	parent map[string]any
	path   string
}

type strategy struct {
	name    string
	extract func(rec map[string]any) []candidate
}

// Parser normalizes upstream payloads of unknown shape into slot templates.
// A Parser is safe for concurrent use.
type Parser struct {
	opts       Options
	strategies []strategy
}

// NewParser builds a Parser. Unknown strategy names are logged and skipped;
// an empty list means root, group, scan.
func NewParser(opts Options) *Parser {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = []string{StrategyRoot, StrategyGroup, StrategyScan}
	}

	p := &Parser{opts: opts}
	for _, name := range opts.Strategies {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case StrategyRoot:
			p.strategies = append(p.strategies, strategy{StrategyRoot, rootCandidates})
		case StrategyGroup:
			group := opts.Fields.Group
			p.strategies = append(p.strategies, strategy{StrategyGroup, func(rec map[string]any) []candidate {
				if group == "" {
					return nil
				}
				return groupCandidates(rec, group)
			}})
		case StrategyScan:
			prefix := opts.Fields.GroupPrefix
			p.strategies = append(p.strategies, strategy{StrategyScan, func(rec map[string]any) []candidate {
				return scanCandidates(rec, prefix)
			}})
		default:
			appLog.Warn("origami: unknown extraction strategy ignored", "strategy", name)
		}
	}
	return p
}

// ParseJSON decodes body and normalizes it. Undecodable bodies yield no
// templates.
func (p *Parser) ParseJSON(body []byte) []model.SlotTemplate {
	payload, err := DecodePayload(body)
	if err != nil {
		appLog.Debug("origami: payload is not JSON", "err", err, "bytes", len(body))
		return []model.SlotTemplate{}
	}
	return p.ParseTemplates(payload)
}

// DecodePayload decodes JSON keeping numbers as json.Number.
func DecodePayload(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ParseTemplates walks payload and returns every template it can extract,
// in record order. payload is decoded JSON (as from DecodePayload) or the
// same shape built in Go with []map[string]any for arrays. Malformed records
// are skipped, never reported.
func (p *Parser) ParseTemplates(payload any) []model.SlotTemplate {
	records := p.unwrap(payload)
	out := make([]model.SlotTemplate, 0, len(records))

	seenIDs := make(map[string]int)
	seenKeys := make(map[string]struct{})
	perStrategy := make(map[string]int, len(p.strategies))
	skipped := 0

	for idx, raw := range records {
		rec, ok := raw.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		for _, s := range p.strategies {
			for _, c := range s.extract(rec) {
				tpl, ok := p.build(c, idx, s.name)
				if !ok {
					skipped++
					continue
				}
				if p.opts.Dedupe {
					key := tpl.Start.String() + "|" + tpl.End.String() + "|" + tpl.Title
					if _, dup := seenKeys[key]; dup {
						continue
					}
					seenKeys[key] = struct{}{}
				}
				tpl.ID = uniqueID(seenIDs, tpl.ID)
				out = append(out, tpl)
				perStrategy[s.name]++
			}
		}
	}

	appLog.Debug("origami: templates parsed",
		"records", len(records),
		"templates", len(out),
		"skipped", skipped,
		"root", perStrategy[StrategyRoot],
		"group", perStrategy[StrategyGroup],
		"scan", perStrategy[StrategyScan],
	)
	return out
}

// unwrap returns the record list: the payload itself if it is an array,
// else the first array found under an envelope key.
func (p *Parser) unwrap(payload any) []any {
	if list, ok := asList(payload); ok {
		return list
	}
	if obj, ok := payload.(map[string]any); ok {
		for _, key := range p.opts.EnvelopeKeys {
			if list, ok := asList(obj[key]); ok {
				return list
			}
		}
	}
	return nil
}

// asList accepts decoded JSON arrays ([]any) and Go-built record slices
// ([]map[string]any). Other typed slices are not recognized.
func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []map[string]any:
		out := make([]any, len(list))
		for i, rec := range list {
			out[i] = rec
		}
		return out, true
	default:
		return nil, false
	}
}

func (p *Parser) build(c candidate, recordIdx int, source string) (model.SlotTemplate, bool) {
	f := p.opts.Fields
	start, ok := ExtractTime(c.record[f.Start], p.opts.Location)
	if !ok {
		return model.SlotTemplate{}, false
	}
	end, ok := ExtractTime(c.record[f.End], p.opts.Location)
	if !ok {
		return model.SlotTemplate{}, false
	}

	id := lookupString(c.record, f.ID...)
	if id == "" && c.parent != nil {
		if pid := lookupString(c.parent, f.ID...); pid != "" {
			id = pid + "/" + c.path
		}
	}
	if id == "" {
		name := fmt.Sprintf("%d/%s/%s", recordIdx, source, c.path)
		id = uuid.NewSHA1(templateNamespace, []byte(name)).String()
	}

	title := ""
	if f.Title != "" {
		title = lookupString(c.record, f.Title)
		if title == "" && c.parent != nil {
			title = lookupString(c.parent, f.Title)
		}
	}
	if title == "" {
		title = f.DefaultTitle
	}

	return model.SlotTemplate{
		ID:     id,
		Title:  title,
		Start:  start,
		End:    end,
		Source: source,
	}, true
}

func rootCandidates(rec map[string]any) []candidate {
	return []candidate{{record: rec}}
}

// groupCandidates treats rec[key] as a single sub-record or a repeating
// group. Non-object rows are ignored.
func groupCandidates(rec map[string]any, key string) []candidate {
	if sub, ok := rec[key].(map[string]any); ok {
		return []candidate{{record: sub, parent: rec, path: key}}
	}
	rows, ok := asList(rec[key])
	if !ok {
		return nil
	}
	out := make([]candidate, 0, len(rows))
	for i, row := range rows {
		if sub, ok := row.(map[string]any); ok {
			out = append(out, candidate{record: sub, parent: rec, path: key + "/" + strconv.Itoa(i)})
		}
	}
	return out
}

// scanCandidates visits every key carrying prefix. Go maps do not keep
// upstream key order, so keys are visited sorted.
func scanCandidates(rec map[string]any, prefix string) []candidate {
	if prefix == "" {
		return nil
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []candidate
	for _, k := range keys {
		out = append(out, groupCandidates(rec, k)...)
	}
	return out
}

// lookupString returns the first non-empty scalar among keys, stringified.
func lookupString(rec map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := rec[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

// uniqueID returns id, or id with a "~N" suffix if it was already emitted.
func uniqueID(seen map[string]int, id string) string {
	if _, taken := seen[id]; !taken {
		seen[id] = 1
		return id
	}
	n := seen[id]
	for {
		n++
		alt := id + "~" + strconv.Itoa(n)
		if _, taken := seen[alt]; !taken {
			seen[id] = n
			seen[alt] = 1
			return alt
		}
	}
}
