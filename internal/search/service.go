// Package search indexes saved document snapshots so the dashboard can
// find documents by title or content. Indexing is best-effort: a down
// Meilisearch never fails a save.
package search

import (
	"encoding/json"
	"fmt"
	"log"
)

// DocumentRecord is the indexed projection of a document: its title plus
// the plain-text rendering of the last saved snapshot.
type DocumentRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Format  string `json:"format"`
	OwnerID string `json:"ownerId"`
	Text    string `json:"text"`
}

// Service wraps the optional Meilisearch backend. A nil backend turns every
// operation into a no-op.
type Service struct {
	meili *Meili
}

func NewService(meili *Meili) *Service {
	return &Service{meili: meili}
}

// IndexDocument indexes a record, fire-and-forget.
func (s *Service) IndexDocument(record DocumentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDocument(record); err != nil {
			log.Printf("search: index document %s: %v", record.ID, err)
		}
	}()
}

// RemoveDocument drops a deleted document from the index.
func (s *Service) RemoveDocument(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteDocument(id); err != nil {
			log.Printf("search: delete document %s: %v", id, err)
		}
	}()
}

// Search queries the index; with no backend it returns an empty result set
// rather than an error.
func (s *Service) Search(query string, limit int) []DocumentRecord {
	if s.meili == nil || !s.meili.Healthy() {
		return []DocumentRecord{}
	}
	results, err := s.meili.Search(query, limit)
	if err != nil {
		log.Printf("search: query %q: %v", query, err)
		return []DocumentRecord{}
	}
	return results
}

func decodeHit(hit any) (DocumentRecord, error) {
	raw, err := json.Marshal(hit)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("marshal hit: %w", err)
	}
	var record DocumentRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return DocumentRecord{}, fmt.Errorf("unmarshal hit: %w", err)
	}
	return record, nil
}
