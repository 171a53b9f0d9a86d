// Package filter decides which subscriptions want an attendance status.
package filter

import (
	"fmt"
	"strings"

	"unicontrol_bot/internal/model"
)

// PreferenceFor returns the preference that gates a status.
// Statuses without a preference (excused, unknown) report false.
func PreferenceFor(status model.Status) (model.Preference, bool) {
	switch model.Status(strings.ToLower(string(status))) {
	case model.StatusLate:
		return model.PrefLate, true
	case model.StatusAbsent:
		return model.PrefAbsent, true
	case model.StatusPresent:
		return model.PrefPresent, true
	}
	return "", false
}

// ShouldNotify reports whether sub wants to hear about an event with the given status.
// Inactive subscriptions never match.
func ShouldNotify(sub model.Subscription, status model.Status) bool {
	if !sub.IsActive {
		return false
	}
	pref, ok := PreferenceFor(status)
	if !ok {
		return false
	}
	return sub.Enabled(pref)
}

// Audience returns the subscriptions from subs that want the status, preserving order.
func Audience(subs []model.Subscription, status model.Status) []model.Subscription {
	var out []model.Subscription
	for _, sub := range subs {
		if ShouldNotify(sub, status) {
			out = append(out, sub)
		}
	}
	return out
}

// ParsePreference accepts "late", "notify_late" and friends.
func ParsePreference(s string) (model.Preference, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "notify_") {
		s = "notify_" + s
	}
	for _, p := range model.Preferences {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown preference %q, use: late, absent, present", s)
}
