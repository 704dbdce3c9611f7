package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"familymeal/api/internal/logging"
)

const idxMeals = "family_meals"

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  logging.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the meal index.
// An unreachable server is not an error; the health loop keeps probing.
func NewMeili(url, apiKey string, logger logging.Logger) *Meili {
	if logger == nil {
		logger = logging.Nop()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn(context.Background(), "meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	ctx := context.Background()
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxMeals,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug(ctx, "create meal index (may already exist)", "error", err)
	}

	index := m.client.Index(idxMeals)
	filterable := []interface{}{"ownerUid", "type", "participants"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn(ctx, "update filterable attrs", "index", idxMeals, "error", err)
	}
	searchable := []string{"description", "keywords", "participants", "type"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn(ctx, "update searchable attrs", "index", idxMeals, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info(context.Background(), "meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// SearchIDs returns the ids of the best matching meals.
func (m *Meili) SearchIDs(query string, limit int) ([]string, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:             idxMeals,
			Query:                query,
			Limit:                int64(limit),
			AttributesToRetrieve: []string{"id"},
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var ids []string
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			if id := decodeString(hit, "id"); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// Upsert adds or replaces meal documents.
func (m *Meili) Upsert(records []MealRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMeals).AddDocuments(records, nil)
	return err
}

// Delete removes a meal from the index.
func (m *Meili) Delete(id string) error {
	_, err := m.client.Index(idxMeals).DeleteDocument(id, nil)
	return err
}
