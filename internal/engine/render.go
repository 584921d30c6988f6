package engine

import (
	"fmt"
	"strings"

	"github.com/flowssist/flowssist/internal/models"
)

// renderTemplate substitutes {{key}} placeholders with session variables.
// Unknown placeholders are left as-is so authoring mistakes stay visible.
// Substituted values are emitted verbatim, never re-scanned, so the output
// does not depend on the order variables are visited.
func renderTemplate(body string, vars map[string]string) string {
	if !strings.Contains(body, "{{") {
		return body
	}
	var b strings.Builder
	for {
		start := strings.Index(body, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(body[start+2:], "}}")
		if end < 0 {
			break
		}
		key := body[start+2 : start+2+end]
		b.WriteString(body[:start])
		if value, ok := vars[key]; ok {
			b.WriteString(value)
		} else {
			b.WriteString(body[start : start+2+end+2])
		}
		body = body[start+2+end+2:]
	}
	b.WriteString(body)
	return b.String()
}

// renderProduct renders an offer_product template for one product. The
// {{name}} and {{price}} placeholders resolve from the product and shadow any
// session variables of the same name.
func renderProduct(template string, p models.Product, vars map[string]string) string {
	out := strings.ReplaceAll(template, "{{name}}", p.Name)
	out = strings.ReplaceAll(out, "{{price}}", formatPrice(p.PriceCents, p.Currency))
	return renderTemplate(out, vars)
}

func formatPrice(cents int64, currency string) string {
	amount := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	if currency == "" {
		return amount
	}
	return amount + " " + currency
}
