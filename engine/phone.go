// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"strings"

	"github.com/sprucehealth/ivrdialer/model"
)

// phoneKeys are the normalized column names recognized as a phone field, in priority order
var phoneKeys = []string{"phone", "phonenumber", "phone_number", "mobile", "telephone", "cell", "number"}

// NormalizePhone converts a free-form phone string into +<digits> form.
// Ten bare digits are treated as a NANP number. Returns "" when the input
// cannot be a dialable number.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	plus := strings.HasPrefix(raw, "+")
	if strings.HasPrefix(raw, "00") {
		plus = true
		raw = raw[2:]
	}

	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')' || r == '.':
		default:
			// letters or extensions are not dialable
			return ""
		}
	}
	digits := b.String()

	if !plus {
		switch {
		case len(digits) == 10:
			digits = "1" + digits
		case len(digits) == 11 && digits[0] == '1':
		default:
			return ""
		}
	}
	if len(digits) < 8 || len(digits) > 15 || digits[0] == '0' {
		return ""
	}
	return "+" + digits
}

// ContactPhone returns the first phone-like field of a contact that
// normalizes to a dialable number
func ContactPhone(c model.Contact) string {
	normalized := make(map[string]string, len(c.Fields))
	for k, v := range c.Fields {
		key := strings.ToLower(strings.TrimSpace(k))
		key = strings.ReplaceAll(key, " ", "")
		normalized[key] = v
	}
	for _, key := range phoneKeys {
		if v, ok := normalized[key]; ok {
			if phone := NormalizePhone(v); phone != "" {
				return phone
			}
		}
	}
	return ""
}
