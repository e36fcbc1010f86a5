package similarity

import (
	"path/filepath"
	"regexp"
	"strings"
)

// categoryKeywords is checked in order; the first category with a matching
// keyword wins.
var categoryKeywords = []struct {
	Category string
	Keywords []string
}{
	{"Billing Dispute", []string{"billing", "dispute", "charge", "invoice", "payment", "refund"}},
	{"Service Outage", []string{"outage", "downtime", "service", "availability", "sla"}},
	{"Subscription", []string{"subscription", "cancel", "renewal", "plan", "upgrade"}},
	{"Customer Tier", []string{"premium", "enterprise", "vip", "tier", "priority"}},
	{"Fraud Prevention", []string{"fraud", "security", "unauthorized", "chargeback", "verification"}},
	{"Legal", []string{"legal", "terms", "agreement", "contract", "compliance"}},
}

// CategoryGeneral is assigned when no keyword matches.
const CategoryGeneral = "General"

var (
	nonWord    = regexp.MustCompile(`[^\w\s-]`)
	whitespace = regexp.MustCompile(`\s+`)
)

// PolicyFromDocument derives a policy from a document file. The ID comes from
// the file name, the title from the first short line, and the category from
// keywords in the file name and then the content.
func PolicyFromDocument(path, content string) Policy {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Policy{
		ID:       policyID(name),
		Title:    extractTitle(content, name),
		Category: categorize(name, content),
		Content:  strings.TrimSpace(content),
	}
}

func policyID(name string) string {
	clean := nonWord.ReplaceAllString(name, "")
	clean = whitespace.ReplaceAllString(clean, "-")
	return "DOC-" + strings.ToUpper(strings.Trim(clean, "-"))
}

func extractTitle(content, name string) string {
	lines := strings.Split(content, "\n")
	if len(lines) > 5 {
		lines = lines[:5]
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) > 5 && len(line) < 100 && !strings.HasSuffix(line, ".") {
			return line
		}
	}
	title := strings.NewReplacer("_", " ", "-", " ").Replace(name)
	words := strings.Fields(title)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func categorize(name, content string) string {
	for _, text := range []string{strings.ToLower(name), strings.ToLower(content)} {
		for _, c := range categoryKeywords {
			for _, kw := range c.Keywords {
				if strings.Contains(text, kw) {
					return c.Category
				}
			}
		}
	}
	return CategoryGeneral
}

// categoryMatches reports whether any keyword of category appears in text.
func categoryMatches(category, text string) bool {
	text = strings.ToLower(text)
	if text == "" {
		return false
	}
	for _, c := range categoryKeywords {
		if !strings.EqualFold(c.Category, category) {
			continue
		}
		for _, kw := range c.Keywords {
			if strings.Contains(text, kw) {
				return true
			}
		}
	}
	return false
}

// DefaultPolicies are loaded by the seed-policies command when no policy
// documents are supplied.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			ID:        "POL-SMALL-REFUND",
			Title:     "Small billing disputes",
			Category:  "Billing Dispute",
			Content:   "Billing disputes under $50 with a verified charge are refunded in full without further investigation.",
			MinAmount: 0,
			MaxAmount: 50,
		},
		{
			ID:        "POL-MID-PARTIAL",
			Title:     "Mid-range billing disputes",
			Category:  "Billing Dispute",
			Content:   "Disputes between $50 and $200 qualify for a partial refund: 75% for Premium customers, 50% otherwise.",
			MinAmount: 50,
			MaxAmount: 200,
		},
		{
			ID:        "POL-LARGE-REVIEW",
			Title:     "Large disputes",
			Category:  "Billing Dispute",
			Content:   "Disputes of $200 or more are denied by default and require manual investigation before any refund.",
			MinAmount: 200,
		},
		{
			ID:       "POL-PREMIUM-TIER",
			Title:    "Premium customer handling",
			Category: "Customer Tier",
			Content:  "Premium and Enterprise customers receive priority review and may be offered account credit instead of a denial.",
		},
		{
			ID:       "POL-DUPLICATE-CHARGE",
			Title:    "Duplicate charges",
			Category: "Fraud Prevention",
			Content:  "A confirmed duplicate or unauthorized charge is refunded in full regardless of amount once verified against payment records.",
		},
	}
}
