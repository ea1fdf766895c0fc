package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "none read", role: RoleNone, action: ActionRead, allow: false},
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer write", role: RoleViewer, action: ActionWrite, allow: false},
		{name: "viewer comment", role: RoleViewer, action: ActionComment, allow: false},
		{name: "editor write", role: RoleEditor, action: ActionWrite, allow: true},
		{name: "editor admin", role: RoleEditor, action: ActionAdmin, allow: false},
		{name: "commenter read", role: RoleCommenter, action: ActionRead, allow: true},
		{name: "commenter comment", role: RoleCommenter, action: ActionComment, allow: true},
		{name: "commenter write", role: RoleCommenter, action: ActionWrite, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestFromShareLevel(t *testing.T) {
	cases := map[string]Role{
		"read":    RoleCommenter,
		"write":   RoleEditor,
		"admin":   RoleAdmin,
		"unknown": RoleNone,
	}
	for level, want := range cases {
		if got := FromShareLevel(level); got != want {
			t.Fatalf("FromShareLevel(%q) = %q, want %q", level, got, want)
		}
	}
}

func TestMax(t *testing.T) {
	if got := Max(RoleCommenter, RoleEditor); got != RoleEditor {
		t.Fatalf("Max = %q, want editor", got)
	}
	if got := Max(RoleAdmin, RoleNone); got != RoleAdmin {
		t.Fatalf("Max = %q, want admin", got)
	}
}
