package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/cardwatch/cardwatch/internal/compiler"
	"github.com/cardwatch/cardwatch/internal/models"
	"github.com/cardwatch/cardwatch/internal/store"
	"github.com/cardwatch/cardwatch/internal/utils"
	"github.com/gin-gonic/gin"
)

type CompileRuleRequest struct {
	NLText string `json:"nl_text" binding:"required"`
}

type RuleSummary struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	NLText          string     `json:"nl_text"`
	Kind            string     `json:"kind"`
	SQLDescription  string     `json:"sql_description"`
	Severity        string     `json:"severity"`
	Channels        []string   `json:"channels"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	LastTriggeredAt *time.Time `json:"last_triggered_at"`
	TriggerCount    int64      `json:"trigger_count"`
}

type RevisionSummary struct {
	Revision  int       `json:"revision"`
	NLText    string    `json:"nl_text"`
	CreatedAt time.Time `json:"created_at"`
}

func ruleSummary(rule *models.AlertRule) RuleSummary {
	var channels []string
	if len(rule.Channels) > 0 {
		_ = json.Unmarshal(rule.Channels, &channels)
	}

	return RuleSummary{
		ID:              rule.ID,
		Name:            rule.Name,
		NLText:          rule.NLText,
		Kind:            rule.Kind,
		SQLDescription:  rule.SQLDescription,
		Severity:        rule.Severity,
		Channels:        channels,
		IsActive:        rule.IsActive,
		CreatedAt:       rule.CreatedAt,
		LastTriggeredAt: rule.LastTriggeredAt,
		TriggerCount:    rule.TriggerCount,
	}
}

// compileResponse maps a CompileResult onto the wire. Valid carries the
// rule summary; the other variants carry their own fields.
func compileResponse(ctx *gin.Context, status int, result *compiler.CompileResult) {
	body := gin.H{"result": string(result.Status)}

	switch result.Status {
	case compiler.StatusValid:
		summary := ruleSummary(result.Rule)
		body["rule"] = summary
	case compiler.StatusDuplicate:
		body["duplicate_of"] = result.DuplicateOfID
		body["similarity"] = result.Similarity
	case compiler.StatusInvalid:
		body["reason"] = result.Reason
		body["hints"] = result.Hints
	case compiler.StatusAmbiguous:
		body["questions"] = result.Questions
	}

	ctx.JSON(status, body)
}

// ValidateRule runs the compile pipeline without persisting anything.
func ValidateRule(ctx *gin.Context) {
	var req CompileRuleRequest

	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	result := ruleCompiler.Compile(ctx.Request.Context(), userID, req.NLText)
	compileResponse(ctx, http.StatusOK, result)
}

// CreateRule compiles and persists atomically: nothing is stored unless the
// pipeline reaches Valid.
func CreateRule(ctx *gin.Context) {
	var req CompileRuleRequest

	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	result := ruleCompiler.CreateRule(ctx.Request.Context(), userID, req.NLText)

	status := http.StatusOK
	if result.Status == compiler.StatusValid {
		status = http.StatusCreated
	}

	compileResponse(ctx, status, result)
}

func ListRules(ctx *gin.Context) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	rules, err := alertStore.ListRules(userID)

	if err != nil {
		log.Printf("Failed to list rules: %v", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve rules"})
		return
	}

	summaries := make([]RuleSummary, 0, len(rules))
	for i := range rules {
		summaries = append(summaries, ruleSummary(&rules[i]))
	}

	ctx.JSON(http.StatusOK, gin.H{"rules": summaries})
}

func GetRule(ctx *gin.Context) {
	rule, ok := ownedRule(ctx)
	if !ok {
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"rule": ruleSummary(rule)})
}

type UpdateRuleRequest struct {
	NLText   string `json:"nl_text"`
	IsActive *bool  `json:"is_active"`
}

// UpdateRule re-compiles new text and swaps the stored rule only on Valid;
// any other outcome leaves the previous version untouched. A bare
// is_active toggle skips the compiler entirely.
func UpdateRule(ctx *gin.Context) {
	rule, ok := ownedRule(ctx)
	if !ok {
		return
	}

	var req UpdateRuleRequest

	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.NLText == "" {
		if req.IsActive == nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "nl_text or is_active is required"})
			return
		}

		if err := alertStore.SetRuleActive(rule.ID, *req.IsActive); err != nil {
			log.Printf("Failed to toggle rule: %v", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update rule"})
			return
		}

		updated, err := alertStore.GetRule(rule.ID)
		if err != nil {
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve rule"})
			return
		}

		ctx.JSON(http.StatusOK, gin.H{"rule": ruleSummary(updated)})
		return
	}

	result := ruleCompiler.UpdateRule(ctx.Request.Context(), rule.UserID, rule.ID, req.NLText)

	if result.Status == compiler.StatusValid && req.IsActive != nil && !*req.IsActive {
		if err := alertStore.SetRuleActive(rule.ID, false); err != nil {
			log.Printf("Failed to toggle rule after update: %v", err)
		}
	}

	compileResponse(ctx, http.StatusOK, result)
}

func DeleteRule(ctx *gin.Context) {
	rule, ok := ownedRule(ctx)
	if !ok {
		return
	}

	if err := alertStore.DeleteRule(rule.ID, rule.UserID); err != nil {
		log.Printf("Failed to delete rule: %v", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete rule"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"message": "Rule deleted successfully"})
}

func GetRuleHistory(ctx *gin.Context) {
	rule, ok := ownedRule(ctx)
	if !ok {
		return
	}

	revisions, err := alertStore.RuleRevisions(rule.ID)

	if err != nil {
		log.Printf("Failed to load rule history: %v", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve rule history"})
		return
	}

	summaries := make([]RevisionSummary, 0, len(revisions))
	for _, rev := range revisions {
		summaries = append(summaries, RevisionSummary{
			Revision:  rev.Revision,
			NLText:    rev.NLText,
			CreatedAt: rev.CreatedAt,
		})
	}

	ctx.JSON(http.StatusOK, gin.H{"history": summaries})
}

// ownedRule loads the rule in the path and enforces ownership; it writes
// the error response itself when something is off.
func ownedRule(ctx *gin.Context) (*models.AlertRule, bool) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return nil, false
	}

	ruleID, err := utils.GetRuleID(ctx)

	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}

	rule, err := alertStore.GetRule(ruleID)

	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "Rule not found"})
		} else {
			log.Printf("Failed to load rule: %v", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve rule"})
		}
		return nil, false
	}

	if rule.UserID != userID {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Rule not found"})
		return nil, false
	}

	return rule, true
}
