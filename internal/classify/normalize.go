package classify

import (
	"strings"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

type synonymSet struct {
	category crawler.Category
	terms    []string
}

// synonyms is matched in order; the first set with a hit wins.
var synonyms = []synonymSet{
	{crawler.CategoryAI, []string{
		"artificial intelligence", "machine learning", "ml", "gen ai",
		"generative ai", "chatbot", "nlp",
	}},
	{crawler.CategoryDynamics, []string{
		"microsoft dynamics", "dynamics 365", "d365", "crm", "power platform",
	}},
	{crawler.CategoryERP, []string{
		"enterprise resource planning", "sap", "oracle", "financial system",
		"data management",
	}},
	{crawler.CategoryIoT, []string{
		"internet of things", "smart city", "smart building", "sensors",
	}},
	{crawler.CategoryStaffAugmentation, []string{
		"it staffing", "staffing", "consulting", "professional services",
	}},
	{crawler.CategoryCloud, []string{
		"cloud services", "azure", "aws", "cloud infrastructure", "saas",
		"contact center",
	}},
	{crawler.CategoryCybersecurity, []string{
		"security", "infosec", "information security", "risk management",
	}},
	{crawler.CategoryDataAnalytics, []string{
		"business intelligence", "power bi", "bi", "analytics",
		"data warehouse", "reporting",
	}},
	{crawler.CategoryNotRelevant, []string{"not relevant", "not_relevant"}},
}

// NormalizeCategory maps a model-supplied label onto the closed category set.
// Exact values pass through; otherwise a case-insensitive substring match in
// either direction against the synonym table is tried. Anything else becomes
// other for relevant items and not_relevant for the rest.
func NormalizeCategory(raw string, relevant bool) crawler.Category {
	fallback := crawler.CategoryNotRelevant
	if relevant {
		fallback = crawler.CategoryOther
	}
	label := strings.ToLower(strings.TrimSpace(raw))
	if label == "" {
		return fallback
	}
	if c := crawler.Category(label); c.Valid() {
		return c
	}
	for _, set := range synonyms {
		for _, term := range set.terms {
			if strings.Contains(label, term) || strings.Contains(term, label) {
				return set.category
			}
		}
	}
	return fallback
}
