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
	"fmt"
	"sort"
	"strings"
	"time"

	"admarket/platform/shared/logger"
)

// DefaultDeliveryType is applied when a candidate does not name one
const DefaultDeliveryType = "standard"

// NormalizeCandidate coerces one raw record into a Product. It fails closed:
// any missing or mistyped required field returns an error and no product.
func NormalizeCandidate(raw RawCandidate, now time.Time) (Product, error) {
	productID, err := requiredString("product_id", raw.ProductID, false)
	if err != nil {
		return Product{}, err
	}
	name, err := requiredString("name", raw.Name, false)
	if err != nil {
		return Product{}, err
	}
	description, err := requiredString("description", raw.Description, true)
	if err != nil {
		return Product{}, err
	}
	tenantID, err := requiredString("publisher_tenant_id", raw.PublisherTenantID, false)
	if err != nil {
		return Product{}, err
	}
	sourceAgentID, err := requiredString("source_agent_id", raw.SourceAgentID, false)
	if err != nil {
		return Product{}, err
	}

	if raw.PriceCPM == nil {
		return Product{}, fmt.Errorf("price_cpm is missing")
	}
	price, ok := toFloat(raw.PriceCPM)
	if !ok {
		return Product{}, fmt.Errorf("price_cpm %v is not a number", raw.PriceCPM)
	}

	score, ok := toFloat(raw.Score)
	if !ok {
		score = 0
	}

	deliveryType, _ := toString(raw.DeliveryType)
	deliveryType = strings.TrimSpace(deliveryType)
	if deliveryType == "" {
		deliveryType = DefaultDeliveryType
	}

	normalizedAt, ok := toTime(raw.NormalizedAt)
	if !ok {
		normalizedAt = now.UTC()
	}

	return Product{
		ProductID:          productID,
		Name:               name,
		Description:        description,
		PriceCPM:           price,
		PublisherTenantID:  tenantID,
		SourceAgentID:      sourceAgentID,
		Score:              score,
		Formats:            toStringList(raw.Formats),
		Categories:         toStringList(raw.Categories),
		Targeting:          toStringList(raw.Targeting),
		DeliveryType:       deliveryType,
		ImageURL:           optionalString(raw.ImageURL),
		Rationale:          optionalString(raw.Rationale),
		MerchandisingBlurb: optionalString(raw.MerchandisingBlurb),
		NormalizedAt:       normalizedAt,
	}, nil
}

func requiredString(field string, v any, allowEmpty bool) (string, error) {
	if v == nil {
		return "", fmt.Errorf("%s is missing", field)
	}
	s, ok := toString(v)
	if !ok {
		return "", fmt.Errorf("%s has unsupported type %T", field, v)
	}
	s = strings.TrimSpace(s)
	if s == "" && !allowEmpty {
		return "", fmt.Errorf("%s is empty", field)
	}
	return s, nil
}

func optionalString(v any) string {
	s, _ := toString(v)
	return strings.TrimSpace(s)
}

// NormalizeCandidates runs NormalizeCandidate over every record, returning
// the survivors in input order and one error per dropped record.
func NormalizeCandidates(raw []RawCandidate, now time.Time) ([]Product, []error) {
	products := make([]Product, 0, len(raw))
	var dropped []error
	for i, c := range raw {
		p, err := NormalizeCandidate(c, now)
		if err != nil {
			dropped = append(dropped, fmt.Errorf("candidate %d: %w", i, err))
			continue
		}
		products = append(products, p)
	}
	return products, dropped
}

// DeduplicateProducts keeps one product per (publisher_tenant_id, product_id).
// The strictly highest score wins; on a tie the earliest product stays. The
// second return value counts removed duplicates per "tenant/product" key.
func DeduplicateProducts(products []Product) ([]Product, map[string]int) {
	out := make([]Product, 0, len(products))
	index := make(map[string]int, len(products))
	removed := make(map[string]int)

	for _, p := range products {
		key := p.DedupKey()
		if i, seen := index[key]; seen {
			removed[p.PublisherTenantID+"/"+p.ProductID]++
			if p.Score > out[i].Score {
				out[i] = p
			}
			continue
		}
		index[key] = len(out)
		out = append(out, p)
	}
	return out, removed
}

// productLess orders by score descending, then price, then name, with the
// dedup key as the final tie-break so equal inputs always sort the same way.
func productLess(a, b Product) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.PriceCPM != b.PriceCPM {
		return a.PriceCPM < b.PriceCPM
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	if a.PublisherTenantID != b.PublisherTenantID {
		return a.PublisherTenantID < b.PublisherTenantID
	}
	return a.ProductID < b.ProductID
}

// RankProducts returns a sorted copy of products.
func RankProducts(products []Product) []Product {
	out := append([]Product(nil), products...)
	sort.SliceStable(out, func(i, j int) bool {
		return productLess(out[i], out[j])
	})
	return out
}

// TruncateProducts keeps the first n products.
func TruncateProducts(products []Product, n int) []Product {
	if n < 0 {
		n = 0
	}
	if len(products) <= n {
		return products
	}
	return products[:n:n]
}

// PipelineResult carries the pipeline output and the counts reported in
// response metadata.
type PipelineResult struct {
	Products    []Product
	Found       int
	Dropped     int
	AfterDedupe int
}

// ProductPipeline runs normalize, dedupe, rank and truncate in that order
// and logs the count at each stage.
type ProductPipeline struct {
	log *logger.Logger
	now func() time.Time
}

// NewProductPipeline creates a pipeline. A nil logger discards output.
func NewProductPipeline(log *logger.Logger) *ProductPipeline {
	if log == nil {
		log = logger.Discard("pipeline")
	}
	return &ProductPipeline{log: log, now: time.Now}
}

// Run processes the fan-out candidates for one request.
func (p *ProductPipeline) Run(requestID string, raw []RawCandidate, maxResults int) PipelineResult {
	normalized, dropped := NormalizeCandidates(raw, p.now())
	p.log.Debug("", requestID, "normalize", map[string]interface{}{
		"input":   len(raw),
		"output":  len(normalized),
		"dropped": len(dropped),
	})
	for _, err := range dropped {
		p.log.Debug("", requestID, "candidate dropped", map[string]interface{}{"reason": err.Error()})
	}

	deduped, removed := DeduplicateProducts(normalized)
	p.log.Debug("", requestID, "deduplicate", map[string]interface{}{
		"input":  len(normalized),
		"output": len(deduped),
	})
	for key, count := range removed {
		p.log.Debug("", requestID, "duplicates removed", map[string]interface{}{
			"key":     key,
			"removed": count,
		})
	}

	ranked := RankProducts(deduped)
	p.log.Debug("", requestID, "rank", map[string]interface{}{"input": len(deduped), "output": len(ranked)})

	final := TruncateProducts(ranked, maxResults)
	p.log.Debug("", requestID, "truncate", map[string]interface{}{
		"input":       len(ranked),
		"output":      len(final),
		"max_results": maxResults,
	})

	return PipelineResult{
		Products:    final,
		Found:       len(raw),
		Dropped:     len(dropped),
		AfterDedupe: len(deduped),
	}
}
