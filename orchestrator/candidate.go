// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RawCandidate is a product record as an agent returned it. Every field may
// be nil (absent) or hold a value of the wrong type; nothing downstream of
// NormalizeCandidate reads it.
type RawCandidate struct {
	ProductID          any
	Name               any
	Description        any
	PriceCPM           any
	Formats            any
	Categories         any
	Targeting          any
	DeliveryType       any
	ImageURL           any
	Score              any
	PublisherTenantID  any
	SourceAgentID      any
	Rationale          any
	MerchandisingBlurb any
	NormalizedAt       any
}

// candidateAliases maps wire keys to candidate fields. The first key
// present wins, so canonical names are listed before legacy ones.
var candidateAliases = []struct {
	keys []string
	set  func(*RawCandidate, any)
}{
	{[]string{"product_id", "id"}, func(c *RawCandidate, v any) { c.ProductID = v }},
	{[]string{"name"}, func(c *RawCandidate, v any) { c.Name = v }},
	{[]string{"description"}, func(c *RawCandidate, v any) { c.Description = v }},
	{[]string{"price_cpm", "cpm", "price"}, func(c *RawCandidate, v any) { c.PriceCPM = v }},
	{[]string{"formats"}, func(c *RawCandidate, v any) { c.Formats = v }},
	{[]string{"categories"}, func(c *RawCandidate, v any) { c.Categories = v }},
	{[]string{"targeting", "targeting_template"}, func(c *RawCandidate, v any) { c.Targeting = v }},
	{[]string{"delivery_type"}, func(c *RawCandidate, v any) { c.DeliveryType = v }},
	{[]string{"image_url"}, func(c *RawCandidate, v any) { c.ImageURL = v }},
	{[]string{"score", "relevance_score"}, func(c *RawCandidate, v any) { c.Score = v }},
	{[]string{"publisher_tenant_id", "tenant_id"}, func(c *RawCandidate, v any) { c.PublisherTenantID = v }},
	{[]string{"source_agent_id"}, func(c *RawCandidate, v any) { c.SourceAgentID = v }},
	{[]string{"rationale"}, func(c *RawCandidate, v any) { c.Rationale = v }},
	{[]string{"merchandising_blurb"}, func(c *RawCandidate, v any) { c.MerchandisingBlurb = v }},
	{[]string{"normalized_at"}, func(c *RawCandidate, v any) { c.NormalizedAt = v }},
}

// RawCandidateFromMap builds a candidate from a decoded JSON object.
func RawCandidateFromMap(m map[string]any) RawCandidate {
	var c RawCandidate
	for _, alias := range candidateAliases {
		for _, key := range alias.keys {
			if v, ok := m[key]; ok && v != nil {
				alias.set(&c, v)
				break
			}
		}
	}
	return c
}

// UnmarshalJSON decodes any JSON object into a candidate. Numbers are kept
// as json.Number so large identifiers survive.
func (c *RawCandidate) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	*c = RawCandidateFromMap(m)
	return nil
}

// HasIdentity reports whether the candidate carries an id and a name.
func (c RawCandidate) HasIdentity() bool {
	id, ok := toString(c.ProductID)
	if !ok || strings.TrimSpace(id) == "" {
		return false
	}
	name, ok := toString(c.Name)
	return ok && strings.TrimSpace(name) != ""
}

// toString accepts scalars only. Objects and arrays are not silently
// flattened into identifiers.
func toString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", false
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case uint:
		return strconv.FormatUint(uint64(t), 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return "", false
	}
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toStringList accepts a comma-joined string, a string slice, a mixed slice
// or an object (whose keys become tags). Blank entries are dropped and the
// result is never nil.
func toStringList(v any) []string {
	out := []string{}
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	switch t := v.(type) {
	case string:
		for _, part := range strings.Split(t, ",") {
			add(part)
		}
	case []string:
		for _, s := range t {
			add(s)
		}
	case []any:
		for _, item := range t {
			if s, ok := toString(item); ok {
				add(s)
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			add(k)
		}
	}
	return out
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
