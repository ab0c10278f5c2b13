package policy

import (
	"testing"
)

func TestParseRoles_BareArray(t *testing.T) {
	data := []byte(`[
		{"key": "z-role", "name": "Z", "policy": [{"effect": "allow", "actions": ["*"], "resources": ["proj/*"]}]},
		{"key": "a-role", "name": "A", "policy": []}
	]`)

	roles, err := ParseRoles(data)
	if err != nil {
		t.Fatalf("ParseRoles: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("expected 2 roles, got %d", len(roles))
	}
	if roles[0].ID != "a-role" || roles[1].ID != "z-role" {
		t.Fatalf("roles not sorted by ID: %s, %s", roles[0].ID, roles[1].ID)
	}
	if roles[0].Type != RoleCustom {
		t.Fatalf("missing type should default to custom, got %q", roles[0].Type)
	}
}

func TestParseRoles_ItemsEnvelope(t *testing.T) {
	data := []byte(`{"items": [{"key": "reader", "name": "Reader", "type": "reader", "policy": []}]}`)

	roles, err := ParseRoles(data)
	if err != nil {
		t.Fatalf("ParseRoles: %v", err)
	}
	if len(roles) != 1 || roles[0].ID != "reader" {
		t.Fatalf("unexpected roles: %+v", roles)
	}
	if roles[0].Type != RoleReader {
		t.Fatalf("expected reader type, got %q", roles[0].Type)
	}
}

func TestParseRoles_NormalizesUnknownType(t *testing.T) {
	data := []byte(`[
		{"key": "owner-role", "type": "owner", "policy": []},
		{"key": "admin-role", "type": "ADMIN", "policy": []}
	]`)

	roles, err := ParseRoles(data)
	if err != nil {
		t.Fatalf("ParseRoles: %v", err)
	}
	if roles[1].Type != RoleCustom {
		t.Errorf("unknown type should normalize to custom, got %q", roles[1].Type)
	}
	if roles[0].Type != RoleAdmin {
		t.Errorf("mixed-case built-in type should normalize, got %q", roles[0].Type)
	}
}

func TestParseRoles_DuplicateKey(t *testing.T) {
	data := []byte(`[{"key": "dup", "policy": []}, {"key": "dup", "policy": []}]`)
	if _, err := ParseRoles(data); err == nil {
		t.Fatal("expected error for duplicate role key")
	}
}

func TestParseRoles_MissingKey(t *testing.T) {
	data := []byte(`[{"name": "orphan", "policy": []}]`)
	if _, err := ParseRoles(data); err == nil {
		t.Fatal("expected error for role without key")
	}
}

func TestParseRoles_Malformed(t *testing.T) {
	if _, err := ParseRoles([]byte(`{"items": 42}`)); err == nil {
		t.Fatal("expected error for malformed input")
	}
}

func TestParseRoleType(t *testing.T) {
	tests := map[string]RoleType{
		"admin":  RoleAdmin,
		"Writer": RoleWriter,
		"READER": RoleReader,
		"other":  RoleCustom,
		"":       RoleCustom,
	}
	for in, want := range tests {
		if got := ParseRoleType(in); got != want {
			t.Errorf("ParseRoleType(%q) = %q, want %q", in, got, want)
		}
	}
}
