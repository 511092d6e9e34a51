package room

import (
	"reflect"
	"testing"
)

func TestEligibleMembers(t *testing.T) {
	members := []Member{
		{UserID: "@alice:example.org", Membership: MembershipJoin},
		{UserID: "@bob:example.org", Membership: MembershipInvite},
		{UserID: "@carol:example.org", Membership: MembershipLeave},
		{UserID: "@dan:example.org", Membership: MembershipBan},
		{UserID: "@erin:example.org", Membership: MembershipKnock},
	}

	tests := []struct {
		name       string
		visibility HistoryVisibility
		want       []string
	}{
		{
			name:       "joined excludes invited",
			visibility: HistoryVisibilityJoined,
			want:       []string{"@alice:example.org"},
		},
		{
			name:       "invited includes invited",
			visibility: HistoryVisibilityInvited,
			want:       []string{"@alice:example.org", "@bob:example.org"},
		},
		{
			name:       "shared includes invited",
			visibility: HistoryVisibilityShared,
			want:       []string{"@alice:example.org", "@bob:example.org"},
		},
		{
			name:       "world_readable includes invited",
			visibility: HistoryVisibilityWorldReadable,
			want:       []string{"@alice:example.org", "@bob:example.org"},
		},
		{
			name:       "unset defaults to joined",
			visibility: "",
			want:       []string{"@alice:example.org"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EligibleMembers(members, tt.visibility)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("EligibleMembers() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEligibleMembersEmpty(t *testing.T) {
	if got := EligibleMembers(nil, HistoryVisibilityShared); len(got) != 0 {
		t.Errorf("expected no eligible members, got %v", got)
	}
}
