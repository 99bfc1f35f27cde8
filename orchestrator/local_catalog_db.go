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
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// SQLProductCatalog reads tenant products from the products table.
// formats and targeting_template hold JSON text; malformed values are
// passed through as plain strings for the normalizer to split.
type SQLProductCatalog struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLProductCatalog creates a catalog over db using driver's bind syntax
func NewSQLProductCatalog(db *sql.DB, driver string) *SQLProductCatalog {
	return &SQLProductCatalog{db: db, dialect: dialectFor(driver)}
}

// InitSchema creates the products table when it does not exist
func (c *SQLProductCatalog) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		tenant_id VARCHAR(100) NOT NULL,
		product_id VARCHAR(100) NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		cpm DECIMAL(12, 4),
		formats TEXT,
		targeting_template TEXT,
		delivery_type VARCHAR(50),
		image_url TEXT,
		PRIMARY KEY (tenant_id, product_id)
	)`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create products table: %w", err)
	}
	return nil
}

// GetProducts implements ProductCatalog
func (c *SQLProductCatalog) GetProducts(ctx context.Context, tenantID string) ([]RawCandidate, error) {
	query := `SELECT product_id, name, description, cpm, formats, targeting_template, delivery_type, image_url
		FROM products WHERE tenant_id = ` + c.dialect.placeholder(1) + ` ORDER BY product_id`

	rows, err := c.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query products for tenant %s: %w", tenantID, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("[SQLProductCatalog] Error closing rows: %v", err)
		}
	}()

	var products []RawCandidate
	for rows.Next() {
		var (
			productID, name                        string
			description, formats, targeting, dtype sql.NullString
			imageURL                               sql.NullString
			cpm                                    sql.NullFloat64
		)
		if err := rows.Scan(&productID, &name, &description, &cpm, &formats, &targeting, &dtype, &imageURL); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}

		candidate := RawCandidate{
			ProductID:         productID,
			Name:              name,
			Description:       description.String,
			Formats:           decodeJSONColumn(formats),
			Targeting:         decodeJSONColumn(targeting),
			PublisherTenantID: tenantID,
		}
		if cpm.Valid {
			candidate.PriceCPM = cpm.Float64
		}
		if dtype.Valid {
			candidate.DeliveryType = dtype.String
		}
		if imageURL.Valid {
			candidate.ImageURL = imageURL.String
		}
		products = append(products, candidate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate products: %w", err)
	}
	return products, nil
}

// decodeJSONColumn returns the decoded value of a JSON text column, the raw
// text when it is not JSON, or nil when NULL.
func decodeJSONColumn(v sql.NullString) any {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(v.String)))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v.String
	}
	return out
}
