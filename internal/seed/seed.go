// Package seed loads the initial crawl target list from a JSON file.
package seed

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

// Load reads and validates the seed file. Missing kinds default to
// category, missing strategies to rendered, which is how top-level
// categories are crawled.
func Load(path string) ([]catalog.CrawlTarget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seeds file: %w", err)
	}
	var seeds []catalog.CrawlTarget
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("decode seeds file %s: %w", path, err)
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("seeds file %s contains no targets", path)
	}
	for i := range seeds {
		if seeds[i].ID == "" {
			return nil, fmt.Errorf("seed %d has no id", i)
		}
		if seeds[i].Kind == "" {
			seeds[i].Kind = catalog.KindCategory
		}
		if seeds[i].Strategy == "" {
			seeds[i].Strategy = catalog.StrategyRendered
		}
		if seeds[i].DisplayName == "" {
			seeds[i].DisplayName = seeds[i].ID
		}
	}
	return seeds, nil
}
