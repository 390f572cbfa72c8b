package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
	"github.com/timeplus-io/fw-alert-gateway/pkg/vendors"
)

// ErrNormalization matches every *NormalizationError via errors.Is
var ErrNormalization = errors.New("normalization error")

// NormalizationError reports one sample (or one section) that could not be mapped.
// Index is -1 for section-level failures.
type NormalizationError struct {
	Vendor  vendors.Vendor
	Source  string
	Section vendors.Section
	Index   int
	Reason  string
}

func (e *NormalizationError) Error() string {
	where := string(e.Section)
	if e.Index >= 0 {
		where = fmt.Sprintf("%s[%d]", e.Section, e.Index)
	}
	return fmt.Sprintf("normalize %s %s %s: %s", e.Vendor, e.Source, where, e.Reason)
}

// Is lets errors.Is(err, ErrNormalization) match
func (e *NormalizationError) Is(target error) bool {
	return target == ErrNormalization
}

// Batch is the normalized output of one payload. Errors hold per-sample failures;
// the samples that did map are kept.
type Batch struct {
	Metrics    []models.Metric
	Interfaces []models.InterfaceStat
	Flows      []models.FlowRecord
	Errors     []error
}

// Normalizer maps vendor payloads onto the common models. It holds no state
// beyond its mapping tables and is safe for concurrent use.
type Normalizer struct {
	mappings map[vendors.Vendor]mapping
}

// New returns a normalizer with the built-in vendor mappings
func New() *Normalizer {
	return &Normalizer{mappings: defaultMappings()}
}

// Normalize converts every section present in the payload
func (n *Normalizer) Normalize(p *vendors.RawPayload) Batch {
	var b Batch
	m, ok := n.mappings[p.Vendor]
	if !ok {
		b.Errors = append(b.Errors, &NormalizationError{Vendor: p.Vendor, Source: p.Hostname, Index: -1, Reason: "no mapping for vendor"})
		return b
	}
	collected := p.CollectedAt
	if collected.IsZero() {
		collected = time.Now().UTC()
	}
	c := conv{vendor: p.Vendor, host: p.Hostname, collected: collected}

	if body, ok := p.Sections[vendors.SectionSystem]; ok {
		c.system(&b, m, body)
	}
	if body, ok := p.Sections[vendors.SectionInterfaces]; ok {
		c.interfaces(&b, m, body)
	}
	if body, ok := p.Sections[vendors.SectionTraffic]; ok {
		c.flows(&b, m, body)
	}
	return b
}

type conv struct {
	vendor    vendors.Vendor
	host      string
	collected time.Time
}

func (c conv) fail(section vendors.Section, index int, format string, args ...any) error {
	return &NormalizationError{
		Vendor:  c.vendor,
		Source:  c.host,
		Section: section,
		Index:   index,
		Reason:  fmt.Sprintf(format, args...),
	}
}

func (c conv) system(b *Batch, m mapping, body []byte) {
	items, found := m.System.items(body, c.host)
	if !found {
		b.Errors = append(b.Errors, c.fail(vendors.SectionSystem, -1, "system object not found"))
		return
	}
	for _, it := range items {
		r := newReader(it.value)
		var metrics []models.Metric
		for _, f := range m.Metrics {
			v, present, err := r.number(f.Paths)
			if err != nil {
				b.Errors = append(b.Errors, c.fail(vendors.SectionSystem, it.index, "%s: %v", f.Type, err))
				continue
			}
			if !present {
				continue
			}
			metrics = append(metrics, models.Metric{
				Source:     it.source,
				MetricType: f.Type,
				Value:      v,
				Unit:       f.Unit,
				Timestamp:  c.collected,
			})
		}
		if len(metrics) == 0 {
			b.Errors = append(b.Errors, c.fail(vendors.SectionSystem, it.index, "no usable metric values"))
			continue
		}
		meta := r.metadata()
		for i := range metrics {
			metrics[i].Metadata = meta
		}
		b.Metrics = append(b.Metrics, metrics...)
	}
}

func (c conv) interfaces(b *Batch, m mapping, body []byte) {
	items, found := m.Interfaces.items(body, c.host)
	if !found {
		b.Errors = append(b.Errors, c.fail(vendors.SectionInterfaces, -1, "interface list not found"))
		return
	}
	f := m.IfFields
	for _, it := range items {
		r := newReader(it.value)
		name := r.str(f.Name)
		if name == "" {
			b.Errors = append(b.Errors, c.fail(vendors.SectionInterfaces, it.index, "missing interface name"))
			continue
		}
		stat := models.InterfaceStat{
			Source:        it.source,
			InterfaceName: name,
			Status:        r.status(f.Status),
			Speed:         r.counter(f.Speed),
			InBytes:       r.counter(f.InBytes),
			OutBytes:      r.counter(f.OutBytes),
			InErrors:      r.counter(f.InErrors),
			OutErrors:     r.counter(f.OutErrors),
			Timestamp:     c.collected,
		}
		stat.Metadata = r.metadata()
		b.Interfaces = append(b.Interfaces, stat)
	}
}

func (c conv) flows(b *Batch, m mapping, body []byte) {
	items, found := m.Flows.items(body, c.host)
	if !found {
		b.Errors = append(b.Errors, c.fail(vendors.SectionTraffic, -1, "traffic list not found"))
		return
	}
	f := m.FlowFields
	for _, it := range items {
		r := newReader(it.value)
		srcIP := r.str(f.SourceIP)
		if srcIP == "" {
			b.Errors = append(b.Errors, c.fail(vendors.SectionTraffic, it.index, "missing source ip"))
			continue
		}
		bytes, present, err := r.number(f.Bytes)
		if err != nil || !present {
			b.Errors = append(b.Errors, c.fail(vendors.SectionTraffic, it.index, "missing numeric byte count"))
			continue
		}
		flow := models.FlowRecord{
			Source:        it.source,
			SourceIP:      srcIP,
			DestinationIP: r.str(f.DestinationIP),
			Protocol:      strings.ToLower(r.str(f.Protocol)),
			Port:          int(r.counter(f.Port)),
			Bytes:         int64(bytes),
			Packets:       r.counter(f.Packets),
			Timestamp:     r.time(f.Time, c.collected),
		}
		if d, ok, err := r.number(f.Duration); ok && err == nil {
			flow.Duration = d
		}
		flow.Metadata = r.metadata()
		b.Flows = append(b.Flows, flow)
	}
}

type item struct {
	value  gjson.Result
	source string
	index  int
}

func (s listSpec) items(body []byte, host string) ([]item, bool) {
	root := gjson.ParseBytes(body)
	var out []item
	found := false

	collect := func(container gjson.Result, source string, perItemSource bool) {
		res := container.Get(s.Items)
		if !res.Exists() {
			return
		}
		found = true
		add := func(v gjson.Result) {
			src := source
			if perItemSource && s.SourcePath != "" {
				if ip := v.Get(s.SourcePath).String(); ip != "" {
					src = ip
				}
			}
			out = append(out, item{value: v, source: src, index: len(out)})
		}
		switch {
		case res.IsArray():
			for _, v := range res.Array() {
				add(v)
			}
		case res.IsObject() && s.Keyed:
			res.ForEach(func(_, v gjson.Result) bool {
				if v.IsObject() {
					add(v)
				}
				return true
			})
		case res.IsObject():
			add(res)
		}
	}

	if s.Parents == "" {
		collect(root, host, true)
		return out, found
	}
	parents := root.Get(s.Parents)
	if !parents.Exists() {
		return nil, false
	}
	parents.ForEach(func(_, p gjson.Result) bool {
		src := host
		if s.SourcePath != "" {
			if ip := p.Get(s.SourcePath).String(); ip != "" {
				src = ip
			}
		}
		collect(p, src, false)
		return true
	})
	// A device without ports is not a malformed payload
	return out, true
}

// reader pulls mapped fields out of one record and remembers which paths it
// consumed, so everything else can be kept as metadata.
type reader struct {
	obj      gjson.Result
	consumed map[string]bool
}

func newReader(obj gjson.Result) *reader {
	return &reader{obj: obj, consumed: make(map[string]bool)}
}

func (r *reader) str(paths []string) string {
	for _, p := range paths {
		res := r.obj.Get(p)
		if res.Exists() && res.String() != "" {
			r.consumed[p] = true
			return res.String()
		}
	}
	return ""
}

// number returns the first path that exists. present=false means none did;
// a present but unparseable value is an error and stays unconsumed.
func (r *reader) number(paths []string) (float64, bool, error) {
	for _, p := range paths {
		parts := strings.Split(p, "+")
		var sum float64
		seen := false
		for _, part := range parts {
			res := r.obj.Get(part)
			if !res.Exists() {
				continue
			}
			v, err := parseNumber(res)
			if err != nil {
				return 0, true, fmt.Errorf("field %q: %w", part, err)
			}
			sum += v
			seen = true
		}
		if !seen {
			continue
		}
		for _, part := range parts {
			if r.obj.Get(part).Exists() {
				r.consumed[part] = true
			}
		}
		return sum, true, nil
	}
	return 0, false, nil
}

// counter is number for fields where a bad value is tolerated as zero
func (r *reader) counter(paths []string) int64 {
	v, ok, err := r.number(paths)
	if !ok || err != nil {
		return 0
	}
	return int64(v)
}

func (r *reader) status(paths []string) string {
	for _, p := range paths {
		res := r.obj.Get(p)
		if !res.Exists() {
			continue
		}
		r.consumed[p] = true
		switch res.Type {
		case gjson.True:
			return "up"
		case gjson.False:
			return "down"
		case gjson.Number:
			if res.Int() > 0 {
				return "up"
			}
			return "down"
		default:
			s := strings.ToLower(strings.TrimSpace(res.String()))
			switch s {
			case "up", "true", "connected", "enabled":
				return "up"
			case "down", "false", "disconnected", "disabled":
				return "down"
			}
			return s
		}
	}
	return "unknown"
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006/01/02 15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// time returns the record timestamp, falling back to collection time
func (r *reader) time(paths []string, fallback time.Time) time.Time {
	for _, p := range paths {
		res := r.obj.Get(p)
		if !res.Exists() {
			continue
		}
		if ts, ok := parseTime(res); ok {
			r.consumed[p] = true
			return ts
		}
	}
	return fallback
}

func parseTime(res gjson.Result) (time.Time, bool) {
	if res.Type == gjson.Number {
		return epoch(res.Int())
	}
	s := strings.TrimSpace(res.String())
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epoch(n)
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// epoch accepts seconds, milliseconds, microseconds or nanoseconds
func epoch(n int64) (time.Time, bool) {
	switch {
	case n <= 0:
		return time.Time{}, false
	case n > 1e17:
		return time.Unix(0, n).UTC(), true
	case n > 1e14:
		return time.UnixMicro(n).UTC(), true
	case n > 1e11:
		return time.UnixMilli(n).UTC(), true
	default:
		return time.Unix(n, 0).UTC(), true
	}
}

func parseNumber(res gjson.Result) (float64, error) {
	switch res.Type {
	case gjson.Number:
		return res.Float(), nil
	case gjson.String:
		s := strings.TrimSuffix(strings.TrimSpace(res.String()), "%")
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric value %q", res.String())
		}
		return v, nil
	default:
		return 0, fmt.Errorf("non-numeric value %s", res.Raw)
	}
}

// metadata returns every field not consumed by the mapping, verbatim
func (r *reader) metadata() map[string]any {
	return residual(r.obj, r.consumed, "")
}

func residual(obj gjson.Result, consumed map[string]bool, prefix string) map[string]any {
	out := make(map[string]any)
	obj.ForEach(func(k, v gjson.Result) bool {
		key := prefix + k.String()
		if consumed[key] {
			return true
		}
		if v.IsObject() && consumedUnder(consumed, key+".") {
			if sub := residual(v, consumed, key+"."); len(sub) > 0 {
				out[k.String()] = sub
			}
			return true
		}
		out[k.String()] = v.Value()
		return true
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

func consumedUnder(consumed map[string]bool, prefix string) bool {
	for k := range consumed {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}
