package filter

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"unicontrol_bot/internal/model"
)

func TestShouldNotify(t *testing.T) {
	defaults := model.Subscription{IsActive: true, NotifyLate: true, NotifyAbsent: true}
	everything := model.Subscription{IsActive: true, NotifyLate: true, NotifyAbsent: true, NotifyPresent: true}
	inactive := everything
	inactive.IsActive = false

	tests := []struct {
		name   string
		sub    model.Subscription
		status model.Status
		want   bool
	}{
		{name: "late with defaults", sub: defaults, status: model.StatusLate, want: true},
		{name: "absent with defaults", sub: defaults, status: model.StatusAbsent, want: true},
		{name: "present with defaults", sub: defaults, status: model.StatusPresent, want: false},
		{name: "present when enabled", sub: everything, status: model.StatusPresent, want: true},
		{name: "excused never matches", sub: everything, status: model.StatusExcused, want: false},
		{name: "unknown status", sub: everything, status: "on_leave", want: false},
		{name: "upper-case status", sub: defaults, status: "LATE", want: true},
		{name: "inactive subscription", sub: inactive, status: model.StatusLate, want: false},
		{
			name:   "absent disabled",
			sub:    model.Subscription{IsActive: true, NotifyLate: true},
			status: model.StatusAbsent,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldNotify(tt.sub, tt.status)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ShouldNotify() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAudience(t *testing.T) {
	subs := []model.Subscription{
		{ChatID: 1, IsActive: true, NotifyLate: true, NotifyAbsent: true},
		{ChatID: 2, IsActive: true, NotifyLate: false, NotifyAbsent: true},
		{ChatID: 3, IsActive: true, NotifyLate: true},
	}

	tests := []struct {
		name   string
		status model.Status
		want   []int64
	}{
		{name: "late", status: model.StatusLate, want: []int64{1, 3}},
		{name: "absent", status: model.StatusAbsent, want: []int64{1, 2}},
		{name: "present", status: model.StatusPresent, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int64
			for _, s := range Audience(subs, tt.status) {
				got = append(got, s.ChatID)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Audience() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParsePreference(t *testing.T) {
	tests := []struct {
		input   string
		want    model.Preference
		wantErr bool
	}{
		{input: "late", want: model.PrefLate},
		{input: "notify_absent", want: model.PrefAbsent},
		{input: " Present ", want: model.PrefPresent},
		{input: "excused", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePreference(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParsePreference() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
