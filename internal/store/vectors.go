package store

import (
	"errors"
	"sort"

	"github.com/cardwatch/cardwatch/internal/embedding"
	"github.com/cardwatch/cardwatch/internal/models"
	"gorm.io/gorm"
)

// RuleMatch pairs a rule with its cosine similarity to a query vector.
type RuleMatch struct {
	RuleID     string
	NLText     string
	Similarity float64
}

// CategoryMatch pairs a canonical category with its similarity.
type CategoryMatch struct {
	Canonical  string
	Similarity float64
}

// SimilarRules brute-forces cosine similarity over a user's active rules.
// Rule counts per user are small, so exact search straight off the table is
// both correct and fast, and re-reading the store on every call keeps rule
// state out of process memory.
func (s *Store) SimilarRules(userID string, vec []float32, k int) ([]RuleMatch, error) {
	var rules []models.AlertRule

	err := s.conn.Select("id", "nl_text", "nl_embedding", "embedding_dim").
		Where("user_id = ? AND is_active = ?", userID, true).
		Find(&rules).Error
	if err != nil {
		return nil, err
	}

	matches := make([]RuleMatch, 0, len(rules))
	for _, rule := range rules {
		if len(rule.NLEmbedding) == 0 || rule.EmbeddingDim == 0 {
			continue
		}

		ruleVec := embedding.DecodeVector(rule.NLEmbedding, rule.EmbeddingDim)
		if ruleVec == nil {
			continue
		}

		matches = append(matches, RuleMatch{
			RuleID:     rule.ID,
			NLText:     rule.NLText,
			Similarity: embedding.Cosine(vec, ruleVec),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].RuleID < matches[j].RuleID
	})

	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}

	return matches, nil
}

// NearestCategories searches canonical category embeddings. Equal scores
// tie-break on lowest canonical string sort.
func (s *Store) NearestCategories(vec []float32, k int) ([]CategoryMatch, error) {
	var synonyms []models.CategorySynonym

	err := s.conn.Where("embedding IS NOT NULL").Find(&synonyms).Error
	if err != nil {
		return nil, err
	}

	best := map[string]float64{}
	for _, syn := range synonyms {
		if len(syn.Embedding) == 0 || syn.EmbeddingDim == 0 {
			continue
		}

		synVec := embedding.DecodeVector(syn.Embedding, syn.EmbeddingDim)
		if synVec == nil {
			continue
		}

		sim := embedding.Cosine(vec, synVec)
		if cur, ok := best[syn.Canonical]; !ok || sim > cur {
			best[syn.Canonical] = sim
		}
	}

	matches := make([]CategoryMatch, 0, len(best))
	for canonical, sim := range best {
		matches = append(matches, CategoryMatch{Canonical: canonical, Similarity: sim})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Canonical < matches[j].Canonical
	})

	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}

	return matches, nil
}

// LookupSynonym resolves an exact synonym match, the cheap path tried
// before any embedding call.
func (s *Store) LookupSynonym(synonym string) (string, error) {
	var row models.CategorySynonym

	err := s.conn.Where("synonym = ?", synonym).First(&row).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	return row.Canonical, nil
}

func (s *Store) UpsertCategorySynonym(syn *models.CategorySynonym) error {
	var existing models.CategorySynonym

	err := s.conn.Where("synonym = ?", syn.Synonym).First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.conn.Create(syn).Error
	}
	if err != nil {
		return err
	}

	return s.conn.Model(&existing).Updates(map[string]interface{}{
		"canonical":     syn.Canonical,
		"embedding":     syn.Embedding,
		"embedding_dim": syn.EmbeddingDim,
	}).Error
}
