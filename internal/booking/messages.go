package booking

import (
	"fmt"
	"strings"

	"salesops/internal/storage"
)

var weekdayNames = []string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func leadName(l storage.Lead) string { return orDefault(l.Name, "Lead") }

func vendorNewMessage(l storage.Lead, a storage.Appointment) string {
	return fmt.Sprintf("📅 Nueva cita\n👤 %s\n📱 %s\n🏠 %s\n🕐 %s %s",
		leadName(l), orDefault(l.Phone, "sin teléfono"), orDefault(a.Property, "Por confirmar"),
		a.ScheduledDate, a.ScheduledTime)
}

func vendorRescheduleMessage(l storage.Lead, a storage.Appointment, prev *Slot) string {
	before := "fecha anterior no registrada"
	if prev != nil {
		before = prev.Date + " " + prev.Time
	}
	return fmt.Sprintf("📅 Cita reagendada\n👤 %s\n🏠 %s\n❌ Antes: %s\n✅ Ahora: %s %s",
		leadName(l), orDefault(a.Property, "Por confirmar"), before, a.ScheduledDate, a.ScheduledTime)
}

func specialistMessage(l storage.Lead, a storage.Appointment) string {
	return fmt.Sprintf("🏦 Cita con lead que requiere crédito\n👤 %s\n📱 %s\n🏠 %s\n🕐 %s %s",
		leadName(l), orDefault(l.Phone, "sin teléfono"), orDefault(a.Property, "Por confirmar"),
		a.ScheduledDate, a.ScheduledTime)
}

func leadConfirmationMessage(l storage.Lead, a storage.Appointment, vendor *storage.Recipient) string {
	attendant := "un asesor"
	if vendor != nil && vendor.Name != "" {
		attendant = vendor.Name
	}
	greet := "¡Listo!"
	if f := strings.Fields(l.Name); len(f) > 0 {
		greet = "¡Listo " + f[0] + "!"
	}
	return fmt.Sprintf("%s Tu cita quedó agendada:\n📅 %s\n🕐 %s\n📍 %s\n👤 Te atiende: %s",
		greet, a.ScheduledDate, a.ScheduledTime, orDefault(a.Property, "Por confirmar"), attendant)
}

func outOfHoursMessage(h hoursCheck, requestedHour int) string {
	day := ""
	if h.Saturday {
		day = " los sábados"
	}
	return fmt.Sprintf("⚠️ Las %02d:00 está fuera de nuestro horario de atención%s.\n📅 Horario disponible%s: %s\n¿A qué hora dentro de este horario te gustaría visitarnos?",
		requestedHour, day, day, h.ValidRange())
}

func nonWorkingDayMessage(days []int) string {
	names := make([]string, 0, len(days))
	for _, d := range days {
		if d >= 0 && d < len(weekdayNames) {
			names = append(names, weekdayNames[d])
		}
	}
	return "⚠️ Ese día no damos citas. Días disponibles: " + strings.Join(names, ", ")
}

const dbErrorMessage = "⚠️ Tuve un problema técnico al agendar tu cita. Un asesor te contactará en breve para confirmarla. ¡Disculpa la molestia!"

func cancelMessage(l storage.Lead, a storage.Appointment, reason string) string {
	return fmt.Sprintf("❌ Cita cancelada\n👤 %s\n🕐 %s %s\nMotivo: %s",
		leadName(l), a.ScheduledDate, a.ScheduledTime, orDefault(reason, "sin motivo"))
}

func postVisitMessage(l storage.Lead, a storage.Appointment) string {
	return fmt.Sprintf("📋 ¿Cómo te fue en la visita con %s (%s)?\nResponde: 1️⃣ Le interesó  2️⃣ Quiere otra visita  3️⃣ No le interesó  4️⃣ No llegó",
		leadName(l), orDefault(a.Property, "propiedad"))
}
