package notifications

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const previewRunes = 60

// customerLabel picks the best human-readable reference for a customer.
func customerLabel(c *Customer, customerID int64) string {
	if c != nil {
		if name := strings.TrimSpace(c.Name); name != "" {
			return name
		}
		if phone := strings.TrimSpace(c.Phone); phone != "" {
			return phone
		}
	}
	return "Customer #" + strconv.FormatInt(customerID, 10)
}

func handoffMessage(who string) string {
	return who + " requested human assistance"
}

func manualMessage(who, text string) string {
	msg := "New message from " + who
	text = strings.TrimSpace(text)
	if text == "" {
		return msg
	}
	return msg + ": " + preview(text)
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes]) + "..."
}
