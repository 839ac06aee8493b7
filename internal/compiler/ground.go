package compiler

import (
	"context"
	"sort"
	"strings"

	"github.com/cardwatch/cardwatch/internal/embedding"
	"github.com/cardwatch/cardwatch/internal/models"
)

// ground canonicalises the intent's free-form references against real data:
// categories through the synonym table with an embedding fallback, merchant
// names through containment over the user's history with an embedding
// fallback, and home state from the user record.
func (c *Compiler) ground(ctx context.Context, user *models.User, intent *RuleIntent) *CompileResult {
	if intent.Category != "" {
		canonical, err := c.canonicalCategory(ctx, intent.Category)
		if err == nil && canonical != "" {
			intent.Category = canonical
		} else {
			intent.Category = strings.ToLower(strings.TrimSpace(intent.Category))
		}
	}

	if intent.Merchant != "" {
		if resolved := c.resolveMerchant(ctx, user.ID, intent.Merchant); resolved != "" {
			intent.Merchant = resolved
		}
	}

	if intent.Kind == models.RuleKindLocation && intent.GeoScope == "HOME_STATE" && user.HomeState == "" {
		return &CompileResult{
			Status:    StatusAmbiguous,
			Questions: []string{"Your profile has no home state on file. Which state should count as home for this alert?"},
		}
	}

	return nil
}

// canonicalCategory tries the synonym table first, then nearest canonical
// category by embedding. Below τ_cat the raw term stands.
func (c *Compiler) canonicalCategory(ctx context.Context, raw string) (string, error) {
	term := strings.ToLower(strings.TrimSpace(raw))

	canonical, err := c.store.LookupSynonym(term)
	if err != nil {
		return "", err
	}
	if canonical != "" {
		return canonical, nil
	}

	vec, err := c.embedWithRetry(ctx, term)
	if err != nil {
		return "", err
	}

	matches, err := c.store.NearestCategories(vec, 1)
	if err != nil {
		return "", err
	}

	if len(matches) > 0 && matches[0].Similarity >= c.cfg.CategorySimilarityThreshold {
		return matches[0].Canonical, nil
	}

	return "", nil
}

// resolveMerchant maps a mentioned merchant onto a name the user has
// actually transacted with. Containment wins; embedding similarity breaks
// the remaining distance, and ties go to the lowest sorted name.
func (c *Compiler) resolveMerchant(ctx context.Context, userID, mentioned string) string {
	known, err := c.store.DistinctMerchants(userID, 200)
	if err != nil || len(known) == 0 {
		return ""
	}

	needle := strings.ToLower(strings.TrimSpace(mentioned))

	var contained []string
	for _, name := range known {
		lower := strings.ToLower(name)
		if strings.Contains(lower, needle) || strings.Contains(needle, lower) {
			contained = append(contained, name)
		}
	}

	if len(contained) > 0 {
		sort.Strings(contained)
		return contained[0]
	}

	vec, err := c.embedWithRetry(ctx, needle)
	if err != nil {
		return ""
	}

	vecs, err := c.embedder.EmbedBatch(ctx, known)
	if err != nil {
		return ""
	}

	bestSim := 0.0
	best := ""
	for i, name := range known {
		sim := embedding.Cosine(vec, vecs[i])
		if sim > bestSim || (sim == bestSim && best != "" && name < best) {
			bestSim = sim
			best = name
		}
	}

	if bestSim >= c.cfg.CategorySimilarityThreshold {
		return best
	}

	return ""
}
