package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"salesops/internal/channel"
)

// DefaultTemplates holds the re-engagement template used when a
// recipient's conversation window has closed.
var DefaultTemplates = map[string]string{
	"reactivar_equipo/es_MX": "Hola {1}, tienes información pendiente del equipo comercial. Responde a este mensaje para recibirla.",
}

// Render fills {1}..{n} in the template registered as name/locale. Every
// placeholder must have a parameter and every parameter must be used.
func Render(templates map[string]string, name, locale string, params []string) (string, error) {
	body, ok := templates[name+"/"+locale]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", name, locale, channel.ErrTemplateRejected)
	}
	out := body
	for i, p := range params {
		ph := "{" + strconv.Itoa(i+1) + "}"
		if !strings.Contains(out, ph) {
			return "", fmt.Errorf("%s/%s: unused parameter %d: %w", name, locale, i+1, channel.ErrTemplateRejected)
		}
		out = strings.ReplaceAll(out, ph, p)
	}
	if strings.Contains(out, "{"+strconv.Itoa(len(params)+1)+"}") {
		return "", fmt.Errorf("%s/%s: missing parameter %d: %w", name, locale, len(params)+1, channel.ErrTemplateRejected)
	}
	return out, nil
}
