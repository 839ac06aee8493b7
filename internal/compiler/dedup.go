package compiler

import (
	"context"

	"github.com/cardwatch/cardwatch/internal/embedding"
)

// dedupCheck embeds the rule text and looks for a near-duplicate among the
// user's active rules. When the embedder is down it degrades to normalised
// text equality instead of failing the check; the rule build afterwards
// still needs an embedding.
func (c *Compiler) dedupCheck(ctx context.Context, userID, nlText, excludeRuleID string) ([]float32, *CompileResult, error) {
	vec, err := c.embedWithRetry(ctx, nlText)
	if err != nil {
		dup, textErr := c.textualDedup(userID, nlText, excludeRuleID)
		return nil, dup, textErr
	}

	matches, err := c.store.SimilarRules(userID, vec, 5)
	if err != nil {
		return nil, nil, err
	}

	for _, match := range matches {
		if match.RuleID == excludeRuleID {
			continue
		}
		if match.Similarity >= c.cfg.DupSimilarityThreshold {
			return vec, &CompileResult{
				Status:        StatusDuplicate,
				DuplicateOfID: match.RuleID,
				Similarity:    match.Similarity,
			}, nil
		}
		break
	}

	return vec, nil, nil
}

func (c *Compiler) textualDedup(userID, nlText, excludeRuleID string) (*CompileResult, error) {
	rules, err := c.store.GetActiveRules(userID)
	if err != nil {
		return nil, err
	}

	normalized := embedding.Normalize(nlText)
	for _, rule := range rules {
		if rule.ID == excludeRuleID {
			continue
		}
		if embedding.Normalize(rule.NLText) == normalized {
			return &CompileResult{
				Status:        StatusDuplicate,
				DuplicateOfID: rule.ID,
				Similarity:    1,
			}, nil
		}
	}

	return nil, nil
}
