package alert

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// FormatPrice renders a rouble amount with thousands separators, e.g. "4,800 ₽".
func FormatPrice(n int64) string {
	return printer.Sprintf("%d ₽", n)
}
